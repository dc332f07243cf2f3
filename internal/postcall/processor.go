// Package postcall runs the after-call pipeline: final transcript persist,
// LLM analysis, memory extraction, daily-context merge, and cache
// invalidation. Processing is detached from the session that produced the
// call so a slow analysis never holds a hangup hostage, and each step sits
// in its own failure boundary so one bad dependency cannot starve the rest.
package postcall

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmdzco/donna2/internal/session"
	"github.com/dmdzco/donna2/internal/store"
	"github.com/dmdzco/donna2/pkg/memory"
	"github.com/dmdzco/donna2/pkg/provider/llm"
)

// processTimeout caps the whole pipeline for one call.
const processTimeout = 10 * time.Minute

// CacheInvalidator is the slice of the context cache the processor touches.
type CacheInvalidator interface {
	Invalidate(tenantID string)
}

// Config wires a Processor.
type Config struct {
	Convos   store.ConversationStore
	Analyses store.AnalysisStore
	Daily    store.DailyContextStore
	Tenants  store.TenantStore

	// Memory extracts durable memories from the transcript. Optional.
	Memory memory.Service

	// Analysis is the analysis-role LLM. Optional; without it every call
	// gets the fallback analysis record.
	Analysis llm.Provider

	// Cache is invalidated for the tenant after processing. Optional.
	Cache CacheInvalidator

	Logger *slog.Logger
}

// Processor runs post-call pipelines. Safe for concurrent use.
type Processor struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
	wg  sync.WaitGroup
}

// Option adjusts a Processor at construction.
type Option func(*Processor)

// withClock overrides the time source in tests.
func withClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a Processor.
func New(cfg Config, opts ...Option) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Processor{
		cfg: cfg,
		log: cfg.Logger.With("component", "postcall"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process launches the pipeline for one finished call and returns
// immediately. The pipeline runs on a background context so it survives the
// caller's cancellation.
func (p *Processor) Process(report session.CallReport) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		p.run(ctx, report)
	}()
}

// Wait blocks until every launched pipeline has finished. Called on
// shutdown and by tests.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) run(ctx context.Context, report session.CallReport) {
	log := p.log.With(
		"conversation_id", report.ConversationID,
		"tenant_id", report.TenantID,
		"call_sid", report.CallSID)

	// Step 1: make sure the final transcript is on the conversation row.
	// The in-call flusher usually got here first; this closes the last
	// window.
	if report.ConversationID != "" && len(report.Transcript) > 0 {
		turns := make([]store.TranscriptTurn, 0, len(report.Transcript))
		for _, t := range report.Transcript {
			turns = append(turns, store.TranscriptTurn{Role: t.Role, Content: t.Content, Timestamp: t.At})
		}
		if err := p.cfg.Convos.UpdateTranscript(ctx, report.ConversationID, turns); err != nil {
			log.Error("persist final transcript", "error", err)
		}
	}

	// Step 2: analysis. A failing or absent model still produces a record.
	analysis, sentiment := p.analyze(ctx, report)
	if _, err := p.cfg.Analyses.SaveAnalysis(ctx, analysis); err != nil {
		log.Error("save analysis", "error", err)
	}
	if report.ConversationID != "" {
		if err := p.cfg.Convos.SetSummary(ctx, report.ConversationID, analysis.Summary, sentiment); err != nil {
			log.Error("set summary", "error", err)
		}
	}

	// Step 3: memory extraction.
	if p.cfg.Memory != nil && len(report.Transcript) > 0 {
		turns := make([]memory.Turn, 0, len(report.Transcript))
		for _, t := range report.Transcript {
			turns = append(turns, memory.Turn{Role: t.Role, Content: t.Content})
		}
		if err := p.cfg.Memory.ExtractFromConversation(ctx, report.TenantID, turns, report.ConversationID); err != nil {
			log.Error("extract memories", "error", err)
		}
	}

	// Step 4: merge this call into the tenant's daily context.
	if err := p.saveDailyContext(ctx, report, analysis); err != nil {
		log.Error("save daily context", "error", err)
	}

	// Step 5: the next call must see fresh context.
	if p.cfg.Cache != nil {
		p.cfg.Cache.Invalidate(report.TenantID)
	}

	log.Info("post-call processing finished",
		"turns", len(report.Transcript), "topics", len(analysis.Topics))
}

// saveDailyContext merges the call's topics, delivered reminder, and advice
// into the (tenant, local date) row. The date is the tenant's local date at
// call start.
func (p *Processor) saveDailyContext(ctx context.Context, report session.CallReport, analysis store.CallAnalysis) error {
	tenant, err := p.cfg.Tenants.Tenant(ctx, report.TenantID)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		loc = time.UTC
	}
	started := report.StartedAt
	if started.IsZero() {
		started = p.now()
	}
	date := started.In(loc).Format("2006-01-02")

	upd := store.DailyContextUpdate{
		Topics:     mergeUnique(report.Topics, analysis.Topics),
		Advice:     report.Advice,
		Highlights: analysis.PositiveObservations,
	}
	if report.ReminderTitle != "" {
		upd.RemindersDelivered = []string{report.ReminderTitle}
	}
	return p.cfg.Daily.SaveCallContext(ctx, report.TenantID, date, report.CallSID, upd)
}

// mergeUnique concatenates a and b dropping case-insensitive duplicates,
// preserving first-seen order.
func mergeUnique(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			key := normalizeKey(v)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
