package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Guard wraps a [ConversationStore] and makes the voice-path writes
// non-fatal. If the underlying store fails, operations return defaults and
// log warnings instead of propagating errors, so a database hiccup never
// drops a live call. IsDegraded feeds the readiness endpoint.
//
// Guard implements [ConversationStore]. All methods are safe for
// concurrent use.
type Guard struct {
	store    ConversationStore
	degraded atomic.Bool
}

// NewGuard creates a [Guard] wrapping the given conversation store.
func NewGuard(store ConversationStore) *Guard {
	return &Guard{store: store}
}

// CreateConversation attempts the insert. On failure an empty ID is returned
// and the store is marked degraded; the session continues without a
// conversation row and post-call persistence becomes best-effort.
func (g *Guard) CreateConversation(ctx context.Context, tenantID, callSID string) (string, error) {
	id, err := g.store.CreateConversation(ctx, tenantID, callSID)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: CreateConversation failed, continuing without row",
			"tenant_id", tenantID, "call_sid", callSID, "err", err)
		return "", nil
	}
	g.degraded.Store(false)
	return id, nil
}

// Conversation delegates to the underlying store. Reads keep their errors:
// only writes on the live call path are swallowed.
func (g *Guard) Conversation(ctx context.Context, id string) (*Conversation, error) {
	return g.store.Conversation(ctx, id)
}

// ConversationByCallSID delegates to the underlying store.
func (g *Guard) ConversationByCallSID(ctx context.Context, callSID string) (*Conversation, error) {
	return g.store.ConversationByCallSID(ctx, callSID)
}

// UpdateTranscript attempts the flush. On failure the error is logged and
// swallowed; the next periodic flush retries with the fuller transcript.
func (g *Guard) UpdateTranscript(ctx context.Context, id string, transcript []TranscriptTurn) error {
	if id == "" {
		return nil
	}
	if err := g.store.UpdateTranscript(ctx, id, transcript); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: UpdateTranscript failed, swallowing",
			"conversation_id", id, "turns", len(transcript), "err", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// CompleteConversation attempts the terminal update. On failure the error is
// logged and swallowed.
func (g *Guard) CompleteConversation(ctx context.Context, id string, status ConversationStatus, endedAt time.Time) error {
	if id == "" {
		return nil
	}
	if err := g.store.CompleteConversation(ctx, id, status, endedAt); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: CompleteConversation failed, swallowing",
			"conversation_id", id, "status", status, "err", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// SetSummary delegates and swallows failures.
func (g *Guard) SetSummary(ctx context.Context, id, summary, sentiment string) error {
	if id == "" {
		return nil
	}
	if err := g.store.SetSummary(ctx, id, summary, sentiment); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: SetSummary failed, swallowing",
			"conversation_id", id, "err", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// RecentSummaries delegates to the underlying store. On failure an empty
// slice is returned so prompt assembly can proceed without prior-call
// context.
func (g *Guard) RecentSummaries(ctx context.Context, tenantID string, limit int) ([]string, error) {
	summaries, err := g.store.RecentSummaries(ctx, tenantID, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: RecentSummaries failed, returning empty",
			"tenant_id", tenantID, "err", err)
		return []string{}, nil
	}
	g.degraded.Store(false)
	return summaries, nil
}

// IsDegraded reports whether the most recent guarded operation failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

// Compile-time check that Guard satisfies ConversationStore.
var _ ConversationStore = (*Guard)(nil)
