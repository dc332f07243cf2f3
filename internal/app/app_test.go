package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmdzco/donna2/internal/config"
	"github.com/dmdzco/donna2/internal/httpapi"
	"github.com/dmdzco/donna2/internal/session"
	"github.com/dmdzco/donna2/internal/store"
	memmock "github.com/dmdzco/donna2/pkg/memory/mock"
)

// fakeStore overrides the slices of [store.Store] a test needs; calls to
// anything else panic through the nil embedded interface.
type fakeStore struct {
	store.Store

	tenants     map[string]*store.Tenant
	undelivered []store.Delivery
	touched     []string
	statuses    map[string]store.DeliveryStatus
}

func (f *fakeStore) Tenant(_ context.Context, id string) (*store.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) UndeliveredForTenant(context.Context, string) ([]store.Delivery, error) {
	return f.undelivered, nil
}

func (f *fakeStore) TouchDelivered(_ context.Context, id string, _ time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStore) UpdateDeliveryStatus(_ context.Context, id string, status store.DeliveryStatus, _ string) error {
	if f.statuses == nil {
		f.statuses = make(map[string]store.DeliveryStatus)
	}
	f.statuses[id] = status
	return nil
}

func TestResolveCallPrefersPrefetch(t *testing.T) {
	tenant := &store.Tenant{ID: "t1", Name: "Margaret"}
	rem := &store.Reminder{ID: "rem-1", Title: "Metformin"}
	a := &App{store: &fakeStore{}}

	got, pre, err := a.resolveCall(context.Background(), httpapi.CallInfo{
		CallSID:     "CA1",
		HasPrefetch: true,
		Prefetch: session.PrefetchedCall{
			Tenant:     tenant,
			Reminder:   rem,
			DeliveryID: "del-1",
		},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != tenant || pre.Reminder != rem || pre.DeliveryID != "del-1" {
		t.Errorf("prefetch not passed through: tenant=%v pre=%+v", got, pre)
	}
}

func TestResolveCallUnknownTenantFails(t *testing.T) {
	a := &App{store: &fakeStore{tenants: map[string]*store.Tenant{}}}

	_, _, err := a.resolveCall(context.Background(), httpapi.CallInfo{
		CallSID: "CA1",
		Params:  map[string]string{"tenant_id": "nobody"},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	_, _, err = a.resolveCall(context.Background(), httpapi.CallInfo{CallSID: "CA2"})
	if err == nil {
		t.Error("expected error for stream without tenant parameter")
	}
}

func TestMarkReminderDeliveredStampsDeliveryRow(t *testing.T) {
	fs := &fakeStore{}
	a := &App{store: fs}

	a.markReminderDelivered(context.Background(), session.PrefetchedCall{
		Reminder:   &store.Reminder{ID: "rem-1", Title: "Metformin"},
		DeliveryID: "del-1",
	})
	if got := fs.statuses["del-1"]; got != store.DeliveryDelivered {
		t.Errorf("delivery status = %q, want %q", got, store.DeliveryDelivered)
	}

	// Check-ins and inbound calls carry no delivery row; nothing to stamp.
	a.markReminderDelivered(context.Background(), session.PrefetchedCall{})
	a.markReminderDelivered(context.Background(), session.PrefetchedCall{
		Reminder: &store.Reminder{ID: "rem-2"},
	})
	if len(fs.statuses) != 1 {
		t.Errorf("unexpected status writes: %v", fs.statuses)
	}
}

func TestDeliveryResolverCoversPrimaryAndPending(t *testing.T) {
	a := &App{store: &fakeStore{
		undelivered: []store.Delivery{
			{ID: "del-2", ReminderID: "rem-2"},
			{ID: "del-1-stale", ReminderID: "rem-1"},
		},
	}}

	resolve := a.deliveryResolver(context.Background(), "t1", session.PrefetchedCall{
		Reminder:   &store.Reminder{ID: "rem-1"},
		DeliveryID: "del-1",
	})

	// The dialled reminder keeps the delivery row this leg was placed for,
	// even when an undelivered row also exists.
	if id, ok := resolve("rem-1"); !ok || id != "del-1" {
		t.Errorf("rem-1 -> %q, %v", id, ok)
	}
	if id, ok := resolve("rem-2"); !ok || id != "del-2" {
		t.Errorf("rem-2 -> %q, %v", id, ok)
	}
	if _, ok := resolve("rem-3"); ok {
		t.Error("rem-3 resolved unexpectedly")
	}
}

func TestStreamConfigBoostsPersonalVocabulary(t *testing.T) {
	a := &App{}
	cfg := a.streamConfig(
		&store.Tenant{ID: "t1", Interests: []string{"gardening"}},
		[]store.Reminder{{ID: "rem-1", Title: "Metformin"}},
	)

	if cfg.Encoding != "mulaw" || cfg.SampleRate != 8000 || cfg.Channels != 1 {
		t.Errorf("telephony audio config = %+v", cfg)
	}
	want := map[string]bool{"Metformin": false, "gardening": false}
	for _, k := range cfg.Keywords {
		want[k.Keyword] = true
	}
	for keyword, seen := range want {
		if !seen {
			t.Errorf("keyword %q not boosted", keyword)
		}
	}
}

func TestVoiceProfileFromProviderOptions(t *testing.T) {
	a := &App{cfg: &config.Config{}}
	a.cfg.Providers.TTS = config.ProviderEntry{
		Name:    "elevenlabs",
		Options: map[string]any{"voice_id": "rachel", "voice_name": "Rachel"},
	}

	v := a.voiceProfile()
	if v.ID != "rachel" || v.Name != "Rachel" || v.Provider != "elevenlabs" {
		t.Errorf("voice = %+v", v)
	}
}

func TestMemorySourceDelegates(t *testing.T) {
	index := &memmock.Index{}
	src := memorySource{Service: &memmock.Service{}, index: index}

	since := time.Now().Add(-24 * time.Hour)
	if _, err := src.RecentContents(context.Background(), "t1", since); err != nil {
		t.Fatalf("recent contents: %v", err)
	}
}

func TestTrimTrailingSlash(t *testing.T) {
	cases := map[string]string{
		"https://donna.example.com":  "https://donna.example.com",
		"https://donna.example.com/": "https://donna.example.com",
		"":                           "",
	}
	for in, want := range cases {
		if got := trimTrailingSlash(in); got != want {
			t.Errorf("trimTrailingSlash(%q) = %q, want %q", in, got, want)
		}
	}
}
