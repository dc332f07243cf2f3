package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dmdzco/donna2/internal/flow"
	"github.com/dmdzco/donna2/internal/store"
	"github.com/dmdzco/donna2/pkg/memory"
	memmock "github.com/dmdzco/donna2/pkg/memory/mock"
)

// fakeDeliveries is a minimal DeliveryStore double recording status updates.
type fakeDeliveries struct {
	updates []string // "<id>:<status>"
	err     error
}

func (f *fakeDeliveries) CreateDelivery(context.Context, store.Delivery) (string, error) {
	return "", nil
}
func (f *fakeDeliveries) Delivery(context.Context, string) (*store.Delivery, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDeliveries) DeliveryByCallSID(context.Context, string) (*store.Delivery, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDeliveries) UpdateDeliveryStatus(_ context.Context, id string, status store.DeliveryStatus, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, id+":"+string(status))
	return nil
}
func (f *fakeDeliveries) RetryPending(context.Context, time.Time, time.Duration, int) ([]store.Delivery, error) {
	return nil, nil
}
func (f *fakeDeliveries) IncrementAttempt(context.Context, string, string) error { return nil }
func (f *fakeDeliveries) UndeliveredForTenant(context.Context, string) ([]store.Delivery, error) {
	return nil, nil
}

var _ store.DeliveryStore = (*fakeDeliveries)(nil)

func newTestRegistry(mem *memmock.Service, deliveries *fakeDeliveries) (*Registry, *flow.Machine) {
	m := flow.NewMachine()
	r := NewRegistry(nil, Deps{
		TenantID:       "tenant-1",
		ConversationID: "conv-1",
		Memory:         mem,
		Flow:           m,
		Deliveries:     deliveries,
		DeliveryForReminder: func(reminderID string) (string, bool) {
			if reminderID == "rem-1" {
				return "del-1", true
			}
			return "", false
		},
	})
	return r, m
}

func TestSearchMemoriesFormatsResults(t *testing.T) {
	mem := &memmock.Service{
		SearchResults: []memory.SearchResult{
			{Memory: memory.Memory{Type: memory.TypeFact, Content: "Her cat is named Whiskers."}, Similarity: 0.9},
			{Memory: memory.Memory{Type: memory.TypeConcern, Content: "Worried about icy steps."}, Similarity: 0.7},
		},
	}
	r, _ := newTestRegistry(mem, &fakeDeliveries{})

	out, err := r.Execute(context.Background(), ToolSearchMemories, `{"query":"the cat"}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "[fact] Her cat is named Whiskers.") {
		t.Errorf("missing fact line: %q", out)
	}
	if !strings.Contains(out, "[concern] Worried about icy steps.") {
		t.Errorf("missing concern line: %q", out)
	}
}

func TestSearchMemoriesEmptyAndFailingFallBack(t *testing.T) {
	r, _ := newTestRegistry(&memmock.Service{}, &fakeDeliveries{})
	out, err := r.Execute(context.Background(), ToolSearchMemories, `{"query":"anything"}`)
	if err != nil || out != noMemoriesFound {
		t.Errorf("empty search: out=%q err=%v", out, err)
	}

	failing := &memmock.Service{Err: errors.New("index down")}
	r, _ = newTestRegistry(failing, &fakeDeliveries{})
	out, err = r.Execute(context.Background(), ToolSearchMemories, `{"query":"anything"}`)
	if err != nil || out != noMemoriesFound {
		t.Errorf("failing search must return benign fallback: out=%q err=%v", out, err)
	}
}

func TestSaveDetailStoresWithFixedImportance(t *testing.T) {
	mem := &memmock.Service{}
	r, _ := newTestRegistry(mem, &fakeDeliveries{})

	out, err := r.Execute(context.Background(), ToolSaveDetail,
		`{"detail":"Her granddaughter is expecting in March.","category":"relationship"}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Noted: Her granddaughter is expecting in March." {
		t.Errorf("out = %q", out)
	}
	if len(mem.StoreCalls) != 1 {
		t.Fatalf("expected one store call, got %d", len(mem.StoreCalls))
	}
	call := mem.StoreCalls[0]
	if call.Importance != 70 || call.Type != memory.TypeRelationship || call.Source != "conv-1" {
		t.Errorf("store call = %+v", call)
	}
}

func TestSaveDetailCoercesInvalidCategory(t *testing.T) {
	mem := &memmock.Service{}
	r, _ := newTestRegistry(mem, &fakeDeliveries{})

	if _, err := r.Execute(context.Background(), ToolSaveDetail,
		`{"detail":"Keeps the thermostat at 72.","category":"gossip"}`); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := mem.StoreCalls[0].Type; got != memory.TypeFact {
		t.Errorf("expected invalid category coerced to fact, got %s", got)
	}
}

func TestMarkReminderAckedUpdatesDeliveryOnce(t *testing.T) {
	deliveries := &fakeDeliveries{}
	var ackedSet []string
	m := flow.NewMachine()
	r := NewRegistry(nil, Deps{
		TenantID:   "tenant-1",
		Memory:     &memmock.Service{},
		Flow:       m,
		Deliveries: deliveries,
		DeliveryForReminder: func(string) (string, bool) { return "del-1", true },
		OnReminderAcked:     func(id string) { ackedSet = append(ackedSet, id) },
	})

	args := `{"reminder_id":"rem-1","status":"acknowledged","user_response":"I'll take it now"}`
	out, err := r.Execute(context.Background(), ToolMarkReminderAcked, args)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Reminder marked as acknowledged." {
		t.Errorf("out = %q", out)
	}

	// Second acknowledgment is a no-op against the store.
	if _, err := r.Execute(context.Background(), ToolMarkReminderAcked, args); err != nil {
		t.Fatalf("repeat execute: %v", err)
	}
	if len(deliveries.updates) != 1 {
		t.Errorf("expected one store update, got %v", deliveries.updates)
	}
	if deliveries.updates[0] != "del-1:acknowledged" {
		t.Errorf("update = %q", deliveries.updates[0])
	}
	if len(ackedSet) != 1 || ackedSet[0] != "rem-1" {
		t.Errorf("delivered set = %v", ackedSet)
	}
}

func TestMarkReminderAckedRecoversGarbledTitle(t *testing.T) {
	deliveries := &fakeDeliveries{}
	m := flow.NewMachine()
	r := NewRegistry(nil, Deps{
		TenantID:   "tenant-1",
		Memory:     &memmock.Service{},
		Flow:       m,
		Deliveries: deliveries,
		Reminders: []store.Reminder{
			{ID: "rem-1", Title: "Metformin"},
			{ID: "rem-2", Title: "Blood pressure check"},
		},
		DeliveryForReminder: func(id string) (string, bool) {
			if id == "rem-1" {
				return "del-1", true
			}
			return "", false
		},
	})

	// STT heard the title, not the ID, and garbled it on top.
	out, err := r.Execute(context.Background(), ToolMarkReminderAcked,
		`{"reminder_id":"met forming","status":"confirmed"}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Reminder marked as confirmed." {
		t.Errorf("out = %q", out)
	}
	if len(deliveries.updates) != 1 || deliveries.updates[0] != "del-1:confirmed" {
		t.Errorf("updates = %v", deliveries.updates)
	}
}

func TestMarkReminderAckedUnknownReminderFallsBack(t *testing.T) {
	r, _ := newTestRegistry(&memmock.Service{}, &fakeDeliveries{})
	out, err := r.Execute(context.Background(), ToolMarkReminderAcked,
		`{"reminder_id":"rem-unknown","status":"confirmed"}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Reminder noted." {
		t.Errorf("expected benign fallback, got %q", out)
	}
}

func TestTransitionToolsAdvanceFlow(t *testing.T) {
	r, m := newTestRegistry(&memmock.Service{}, &fakeDeliveries{})

	if _, err := r.Execute(context.Background(), ToolTransitionMain, "{}"); err != nil {
		t.Fatalf("transition_to_main: %v", err)
	}
	if m.Phase() != flow.PhaseMain {
		t.Errorf("phase = %s", m.Phase())
	}

	// Invalid transition comes back as a benign string, not an error.
	out, err := r.Execute(context.Background(), ToolTransitionMain, "{}")
	if err != nil {
		t.Fatalf("repeat transition: %v", err)
	}
	_ = out
	if m.Phase() != flow.PhaseMain {
		t.Errorf("phase moved unexpectedly: %s", m.Phase())
	}
}

func TestDefinitionsFollowPhase(t *testing.T) {
	r, _ := newTestRegistry(&memmock.Service{}, &fakeDeliveries{})

	names := func(phase flow.Phase) map[string]bool {
		set := map[string]bool{}
		for _, d := range r.Definitions(phase) {
			set[d.Name] = true
		}
		return set
	}

	opening := names(flow.PhaseOpening)
	if !opening[ToolSearchMemories] || !opening[ToolTransitionMain] {
		t.Errorf("opening tools = %v", opening)
	}
	if opening[ToolGetNews] {
		t.Error("get_news must not be visible in opening")
	}

	main := names(flow.PhaseMain)
	if !main[ToolGetNews] || !main[ToolMarkReminderAcked] || !main[ToolTransitionWindDown] {
		t.Errorf("main tools = %v", main)
	}
	if main[ToolTransitionMain] {
		t.Error("transition_to_main must not be visible in main")
	}

	closing := names(flow.PhaseClosing)
	if len(closing) != 1 || !closing[ToolMarkReminderAcked] {
		t.Errorf("closing tools = %v", closing)
	}
}

func TestUnknownToolIsAnError(t *testing.T) {
	r, _ := newTestRegistry(&memmock.Service{}, &fakeDeliveries{})
	if _, err := r.Execute(context.Background(), "no_such_tool", "{}"); err == nil {
		t.Error("expected error for unknown tool")
	}
}
