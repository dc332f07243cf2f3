package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmdzco/donna2/internal/convo"
	"github.com/dmdzco/donna2/internal/store"
)

// defaultFlushInterval is the default period between transcript flushes.
// A crash mid-call loses at most one window of turns.
const defaultFlushInterval = 30 * time.Second

// Flusher periodically writes the accumulated call transcript to the
// conversation row.
//
// All methods are safe for concurrent use.
type Flusher struct {
	convos         store.ConversationStore
	tracker        *convo.Tracker
	conversationID string
	interval       time.Duration

	mu sync.Mutex
	// lastCount tracks how many turns were already flushed so unchanged
	// transcripts skip the write.
	lastCount int
	done      chan struct{}
	stopOnce  sync.Once
}

// FlusherConfig configures a [Flusher].
type FlusherConfig struct {
	// Convos is the conversation store the transcript is written to.
	Convos store.ConversationStore

	// Tracker is the conversation tracker holding the live transcript.
	Tracker *convo.Tracker

	// ConversationID identifies the conversation row.
	ConversationID string

	// Interval is how often to flush. Defaults to 30 seconds if zero.
	Interval time.Duration
}

// NewFlusher creates a new [Flusher] with the given configuration.
func NewFlusher(cfg FlusherConfig) *Flusher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Flusher{
		convos:         cfg.Convos,
		tracker:        cfg.Tracker,
		conversationID: cfg.ConversationID,
		interval:       interval,
		done:           make(chan struct{}),
	}
}

// Start begins periodic flushing in a background goroutine.
// The goroutine runs until [Flusher.Stop] is called or ctx is cancelled.
func (f *Flusher) Start(ctx context.Context) {
	go f.loop(ctx)
}

// Stop halts the flush loop. Safe to call multiple times.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
	})
}

// FlushNow performs an immediate flush, writing the current transcript when
// it grew since the last write.
func (f *Flusher) FlushNow(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flush(ctx)
}

func (f *Flusher) loop(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
			f.mu.Lock()
			if err := f.flush(ctx); err != nil {
				slog.Warn("periodic transcript flush failed",
					"conversation_id", f.conversationID,
					"error", err,
				)
			}
			f.mu.Unlock()
		}
	}
}

// flush writes the transcript if it grew. Must be called with f.mu held.
func (f *Flusher) flush(ctx context.Context) error {
	turns := f.tracker.Transcript()
	if len(turns) <= f.lastCount {
		return nil
	}

	rows := make([]store.TranscriptTurn, len(turns))
	for i, t := range turns {
		rows[i] = store.TranscriptTurn{Role: t.Role, Content: t.Content, Timestamp: t.At}
	}
	if err := f.convos.UpdateTranscript(ctx, f.conversationID, rows); err != nil {
		return err
	}
	f.lastCount = len(turns)
	return nil
}
