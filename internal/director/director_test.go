package director

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dmdzco/donna2/pkg/provider/llm"
	llmmock "github.com/dmdzco/donna2/pkg/provider/llm/mock"
)

// waitCached polls until a verdict lands or the deadline passes.
func waitCached(t *testing.T, d *Director) Advice {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if advice, _, ok := d.Cached(); ok {
			return advice
		}
		select {
		case <-deadline:
			t.Fatal("no verdict cached in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitCachesParsedVerdict(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "Sure:\n```json\n{\"guidance\":\"Ask about her garden.\",\"phase\":\"stay\",\"max_tokens\":120}\n```",
		},
	}
	d := New(p)
	d.Submit(context.Background(), 1, "I spent all day outside.", nil)

	advice := waitCached(t, d)
	if advice.Guidance != "Ask about her garden." {
		t.Errorf("guidance = %q", advice.Guidance)
	}
	if advice.Phase != "stay" || advice.MaxTokens != 120 {
		t.Errorf("advice = %+v", advice)
	}
}

func TestSubmitSanitizesGuidance(t *testing.T) {
	long := strings.Repeat("x", 300)
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"guidance":"<guidance>steer\u0007 gently</guidance>` + long + `","phase":"stay"}`,
		},
	}
	d := New(p)
	d.Submit(context.Background(), 1, "hello", nil)

	advice := waitCached(t, d)
	if strings.Contains(advice.Guidance, "<guidance>") || strings.ContainsRune(advice.Guidance, 0x07) {
		t.Errorf("guidance not sanitized: %q", advice.Guidance)
	}
	if len(advice.Guidance) > 240 {
		t.Errorf("guidance not capped: %d chars", len(advice.Guidance))
	}
	if !strings.HasPrefix(advice.Guidance, "steer gently") {
		t.Errorf("guidance content mangled: %q", advice.Guidance)
	}
}

func TestFailedAnalysisLeavesCacheUntouched(t *testing.T) {
	p := &llmmock.Provider{
		CompleteScript: []*llm.CompletionResponse{
			{Content: `{"guidance":"first verdict","phase":"stay"}`},
		},
		CompleteErr: errors.New("backend down"),
	}
	d := New(p)

	d.Submit(context.Background(), 1, "hello", nil)
	first := waitCached(t, d)

	d.Submit(context.Background(), 2, "more", nil)
	time.Sleep(50 * time.Millisecond)

	advice, _, ok := d.Cached()
	if !ok || advice.Guidance != first.Guidance {
		t.Errorf("failed analysis disturbed the cache: %+v", advice)
	}
}

func TestUnparseableVerdictIsDropped(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "I have no idea."},
	}
	d := New(p)
	d.Submit(context.Background(), 1, "hello", nil)
	time.Sleep(50 * time.Millisecond)

	if _, _, ok := d.Cached(); ok {
		t.Error("unparseable verdict was cached")
	}
}

func TestSubmitSurvivesTurnCancellation(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"guidance":"still useful","phase":"stay"}`,
		},
	}
	d := New(p)

	ctx, cancel := context.WithCancel(context.Background())
	d.Submit(ctx, 1, "hello", nil)
	cancel() // barge-in kills the turn, not the analysis

	advice := waitCached(t, d)
	if advice.Guidance != "still useful" {
		t.Errorf("advice = %+v", advice)
	}
}

func TestForceActions(t *testing.T) {
	tests := []struct {
		elapsed  time.Duration
		maxCall  int
		windDown bool
		end      bool
	}{
		{8 * time.Minute, 0, false, false},
		{9 * time.Minute, 0, true, false},
		{12 * time.Minute, 0, true, true},
		{2 * time.Minute, 6, false, false}, // 6-min cap: wind down at 3
		{3 * time.Minute, 6, true, false},
		{6 * time.Minute, 6, true, true},
		{90 * time.Second, 2, true, false}, // floor: wind down no earlier than 1 min
		{30 * time.Second, 2, false, false},
	}
	for _, tt := range tests {
		windDown, end := ForceActions(tt.elapsed, tt.maxCall)
		if windDown != tt.windDown || end != tt.end {
			t.Errorf("ForceActions(%v, %d) = %v, %v; want %v, %v",
				tt.elapsed, tt.maxCall, windDown, end, tt.windDown, tt.end)
		}
	}
}

func TestSanitize(t *testing.T) {
	got := Sanitize("  <guidance>be\tkind</guidance>  ")
	if got != "bekind" {
		t.Errorf("Sanitize = %q", got)
	}
}
