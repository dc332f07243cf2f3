package session

import (
	"testing"

	"github.com/dmdzco/donna2/internal/store"
)

func TestManagerSessionLifecycle(t *testing.T) {
	m := NewManager()
	if m.Active() != 0 {
		t.Fatalf("fresh manager active = %d", m.Active())
	}

	s := &Session{}
	m.Add("CA1", s)
	got, ok := m.Get("CA1")
	if !ok || got != s {
		t.Fatal("added session not retrievable")
	}
	if m.Active() != 1 {
		t.Errorf("active = %d", m.Active())
	}

	m.Remove("CA1")
	if _, ok := m.Get("CA1"); ok {
		t.Error("removed session still retrievable")
	}
	// Double remove must be harmless.
	m.Remove("CA1")
}

func TestManagerPrefetchHandoff(t *testing.T) {
	m := NewManager()
	call := PrefetchedCall{
		Tenant:     &store.Tenant{ID: "t1", Name: "Margaret"},
		Reminder:   &store.Reminder{ID: "rem-1"},
		DeliveryID: "del-1",
	}
	m.AttachPrefetch("CA1", call)

	// Peek reads without consuming.
	if peeked, ok := m.PeekPrefetch("CA1"); !ok || peeked.Reminder.ID != "rem-1" {
		t.Fatalf("peek = %+v, ok=%v", peeked, ok)
	}

	got, ok := m.TakePrefetch("CA1")
	if !ok || got.DeliveryID != "del-1" || got.Tenant.Name != "Margaret" {
		t.Fatalf("prefetch = %+v, ok=%v", got, ok)
	}
	// Take removes: a second take misses.
	if _, ok := m.TakePrefetch("CA1"); ok {
		t.Error("prefetch should be single-use")
	}

	m.AttachPrefetch("CA2", call)
	m.DropPrefetch("CA2")
	if _, ok := m.TakePrefetch("CA2"); ok {
		t.Error("dropped prefetch still present")
	}
}
