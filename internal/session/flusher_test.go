package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmdzco/donna2/internal/convo"
	"github.com/dmdzco/donna2/internal/store"
)

// flushRecorder is a ConversationStore double that records transcript
// writes.
type flushRecorder struct {
	mu     sync.Mutex
	writes [][]store.TranscriptTurn
}

func (r *flushRecorder) CreateConversation(context.Context, string, string) (string, error) {
	return "conv-1", nil
}
func (r *flushRecorder) Conversation(context.Context, string) (*store.Conversation, error) {
	return nil, store.ErrNotFound
}
func (r *flushRecorder) ConversationByCallSID(context.Context, string) (*store.Conversation, error) {
	return nil, store.ErrNotFound
}
func (r *flushRecorder) UpdateTranscript(_ context.Context, _ string, turns []store.TranscriptTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]store.TranscriptTurn, len(turns))
	copy(cp, turns)
	r.writes = append(r.writes, cp)
	return nil
}
func (r *flushRecorder) CompleteConversation(context.Context, string, store.ConversationStatus, time.Time) error {
	return nil
}
func (r *flushRecorder) SetSummary(context.Context, string, string, string) error { return nil }
func (r *flushRecorder) RecentSummaries(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func (r *flushRecorder) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

func TestFlushNowWritesOnlyWhenGrown(t *testing.T) {
	rec := &flushRecorder{}
	tracker := convo.NewTracker()
	f := NewFlusher(FlusherConfig{Convos: rec, Tracker: tracker, ConversationID: "conv-1"})

	// Nothing recorded yet: no write.
	if err := f.FlushNow(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if rec.writeCount() != 0 {
		t.Fatal("empty transcript must not be written")
	}

	tracker.AddUser("Hello?")
	tracker.AddAssistant("Good morning! How are you?")
	if err := f.FlushNow(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if rec.writeCount() != 1 {
		t.Fatalf("writes = %d", rec.writeCount())
	}
	if got := rec.writes[0]; len(got) != 2 || got[0].Role != "user" || got[1].Role != "assistant" {
		t.Errorf("written transcript = %+v", got)
	}

	// Unchanged transcript skips the write.
	if err := f.FlushNow(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if rec.writeCount() != 1 {
		t.Error("unchanged transcript must not be rewritten")
	}
}

func TestFlusherPeriodicLoop(t *testing.T) {
	rec := &flushRecorder{}
	tracker := convo.NewTracker()
	f := NewFlusher(FlusherConfig{
		Convos:         rec,
		Tracker:        tracker,
		ConversationID: "conv-1",
		Interval:       10 * time.Millisecond,
	})

	tracker.AddUser("Hello?")
	f.Start(context.Background())
	defer f.Stop()

	deadline := time.Now().Add(time.Second)
	for rec.writeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.writeCount() == 0 {
		t.Fatal("periodic flush never ran")
	}
}
