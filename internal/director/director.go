// Package director implements the second-pass call analyzer backed by a
// small LLM. It runs off-thread from each transcription: the turn loop
// submits the utterance and moves on, and whatever guidance the director
// produced last is injected into the next turn's context. A director that
// fails or misses its budget contributes nothing; it can never stall a turn.
package director

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/dmdzco/donna2/pkg/provider/llm"
)

const (
	// defaultTimeout is the director's per-turn budget, measured from
	// submission. Results arriving later are dropped.
	defaultTimeout = 400 * time.Millisecond

	// maxGuidanceLen caps sanitized guidance text.
	maxGuidanceLen = 240

	// historyWindow is how many recent utterances accompany the submission.
	historyWindow = 6

	// Default force-action thresholds; scaled when the call cap differs
	// from the default 12 minutes.
	defaultWindDownAfter = 9 * time.Minute
	defaultEndAfter      = 12 * time.Minute
)

const systemPrompt = `You supervise a phone call between a voice assistant and an elderly person.
Given the latest utterance and recent history, reply with one JSON object:
{"guidance": "one short steering sentence for the assistant's NEXT reply",
 "phase": "stay" | "advance" | "wind_down" | "close",
 "max_tokens": suggested reply length in tokens,
 "force_wind_down": bool, "force_end": bool}
Set force flags only for clear reasons (caller is done, distressed by the call, or asked to stop).
Reply with JSON only.`

// Advice is one director verdict.
type Advice struct {
	// Guidance is a sanitized steering sentence for the next LLM call.
	Guidance string `json:"guidance"`

	// Phase is the recommended flow move: stay, advance, wind_down, close.
	Phase string `json:"phase"`

	// MaxTokens is advisory only; the pattern observer's recommendation
	// stays authoritative for safety-driven budgets.
	MaxTokens int `json:"max_tokens"`

	ForceWindDown bool `json:"force_wind_down"`
	ForceEnd      bool `json:"force_end"`
}

// Director submits utterances to the analysis model and caches the latest
// verdict. Safe for concurrent use.
type Director struct {
	provider llm.Provider
	timeout  time.Duration
	observe  func(latency time.Duration, timedOut bool)

	mu         sync.Mutex
	cached     Advice
	cachedTurn int
	cachedAt   time.Time
	hasCached  bool
}

// Option configures a Director.
type Option func(*Director)

// WithTimeout overrides the per-turn analysis budget.
func WithTimeout(d time.Duration) Option {
	return func(dir *Director) { dir.timeout = d }
}

// WithObserver registers a callback invoked after every analysis run with
// its latency and whether it missed the budget. Used for metrics.
func WithObserver(fn func(latency time.Duration, timedOut bool)) Option {
	return func(dir *Director) { dir.observe = fn }
}

// New creates a Director over the given analysis model.
func New(provider llm.Provider, opts ...Option) *Director {
	d := &Director{
		provider: provider,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit hands one utterance to the director and returns immediately. The
// verdict, if it arrives within budget, is cached for the following turns.
// The analysis outlives the turn's own context: a barge-in that cancels the
// turn must not cancel the analysis it triggered.
func (d *Director) Submit(ctx context.Context, turn int, utterance string, history []string) {
	if d.provider == nil || strings.TrimSpace(utterance) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)

	go func() {
		defer cancel()
		start := time.Now()

		resp, err := d.provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: systemPrompt,
			Messages: []llm.Message{
				{Role: "user", Content: buildInput(utterance, history)},
			},
			Temperature: 0.2,
			MaxTokens:   150,
		})
		if err != nil {
			d.report(time.Since(start), ctx.Err() != nil)
			slog.Debug("director: analysis dropped", "turn", turn, "err", err)
			return
		}

		d.report(time.Since(start), false)

		advice, err := parseAdvice(resp.Content)
		if err != nil {
			slog.Debug("director: unparseable verdict", "turn", turn, "err", err)
			return
		}
		advice.Guidance = Sanitize(advice.Guidance)

		d.mu.Lock()
		if !d.hasCached || turn >= d.cachedTurn {
			d.cached = advice
			d.cachedTurn = turn
			d.cachedAt = time.Now()
			d.hasCached = true
		}
		d.mu.Unlock()

		slog.Debug("director: verdict cached",
			"turn", turn, "phase", advice.Phase, "latency", time.Since(start))
	}()
}

// report forwards a run's outcome to the observer, if any.
func (d *Director) report(latency time.Duration, timedOut bool) {
	if d.observe != nil {
		d.observe(latency, timedOut)
	}
}

// Cached returns the most recent verdict and its age. ok is false before the
// first verdict lands.
func (d *Director) Cached() (advice Advice, age time.Duration, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasCached {
		return Advice{}, 0, false
	}
	return d.cached, time.Since(d.cachedAt), true
}

// ForceActions returns the duration-based fallbacks, applied regardless of
// director availability. maxCallMinutes ≤ 0 uses the 12-minute default;
// other caps keep a 3-minute wind-down lead with a 1-minute floor.
func ForceActions(elapsed time.Duration, maxCallMinutes int) (windDown, end bool) {
	windDownAfter, endAfter := defaultWindDownAfter, defaultEndAfter
	if maxCallMinutes > 0 {
		endAfter = time.Duration(maxCallMinutes) * time.Minute
		windDownAfter = endAfter - 3*time.Minute
		if windDownAfter < time.Minute {
			windDownAfter = time.Minute
		}
	}
	return elapsed >= windDownAfter, elapsed >= endAfter
}

// Sanitize strips control characters and guidance tags from model output and
// caps its length.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "<guidance>", "")
	s = strings.ReplaceAll(s, "</guidance>", "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if len(s) > maxGuidanceLen {
		s = s[:maxGuidanceLen]
	}
	return s
}

// buildInput formats the utterance with a bounded history window.
func buildInput(utterance string, history []string) string {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Recent turns:\n")
		for _, h := range history {
			fmt.Fprintf(&sb, "- %s\n", h)
		}
	}
	fmt.Fprintf(&sb, "Latest utterance: %s", utterance)
	return sb.String()
}

// parseAdvice finds the first JSON object in model output; prose or code
// fences around it are ignored.
func parseAdvice(content string) (Advice, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Advice{}, fmt.Errorf("no JSON object in director output")
	}
	var a Advice
	if err := json.Unmarshal([]byte(content[start:end+1]), &a); err != nil {
		return Advice{}, err
	}
	return a, nil
}
