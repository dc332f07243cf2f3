package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dmdzco/donna2/pkg/provider/llm"
)

// stubSummariser returns a fixed summary and records what it was asked to
// compress.
type stubSummariser struct {
	summary string
	err     error
	calls   [][]llm.Message
}

func (s *stubSummariser) Summarise(_ context.Context, msgs []llm.Message) (string, error) {
	cp := make([]llm.Message, len(msgs))
	copy(cp, msgs)
	s.calls = append(s.calls, cp)
	return s.summary, s.err
}

func TestAddMessagesTriggersAutoSummarise(t *testing.T) {
	sum := &stubSummariser{summary: "they talked about the weather"}
	cm := NewContextManager(ContextManagerConfig{
		MaxTokens:      40, // threshold = 30 tokens ≈ 120 chars
		ThresholdRatio: 0.75,
		Summariser:     sum,
	})

	long := strings.Repeat("hello there ", 10) // ~120 chars
	if err := cm.AddMessages(context.Background(), llm.Message{Role: "user", Content: long}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := cm.AddMessages(context.Background(), llm.Message{Role: "assistant", Content: long}); err != nil {
		t.Fatalf("second add: %v", err)
	}

	if len(sum.calls) == 0 {
		t.Fatal("expected auto-summarise to run")
	}
	msgs := cm.Messages()
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "they talked about the weather") {
		t.Errorf("first message should be the summary, got %+v", msgs[0])
	}
}

func TestResetWithSummaryCompressesEverything(t *testing.T) {
	sum := &stubSummariser{summary: "greeting exchange"}
	cm := NewContextManager(ContextManagerConfig{MaxTokens: 100000, Summariser: sum})

	if err := cm.AddMessages(context.Background(),
		llm.Message{Role: "assistant", Content: "Good morning!"},
		llm.Message{Role: "user", Content: "Oh hello dear."},
	); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := cm.ResetWithSummary(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	msgs := cm.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected only the summary message, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "greeting exchange") {
		t.Errorf("summary message = %+v", msgs[0])
	}
	if len(sum.calls) != 1 || len(sum.calls[0]) != 2 {
		t.Errorf("summariser should see both messages, calls = %d", len(sum.calls))
	}
}

func TestResetWithSummaryFailureKeepsHistory(t *testing.T) {
	sum := &stubSummariser{err: errors.New("model down")}
	cm := NewContextManager(ContextManagerConfig{MaxTokens: 100000, Summariser: sum})

	if err := cm.AddMessages(context.Background(), llm.Message{Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := cm.ResetWithSummary(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(cm.Messages()) != 1 {
		t.Error("failed reset must keep the history")
	}
}

func TestResetWithSummaryEmptyIsNoOp(t *testing.T) {
	sum := &stubSummariser{}
	cm := NewContextManager(ContextManagerConfig{MaxTokens: 1000, Summariser: sum})
	if err := cm.ResetWithSummary(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(sum.calls) != 0 {
		t.Error("empty history must not invoke the summariser")
	}
}

// blockingSummariser parks inside Summarise until released, so tests can
// interleave other calls with an in-flight summarisation.
type blockingSummariser struct {
	entered chan struct{}
	release chan struct{}
	calls   int
}

func (b *blockingSummariser) Summarise(context.Context, []llm.Message) (string, error) {
	b.calls++
	b.entered <- struct{}{}
	<-b.release
	return "compressed history", nil
}

func TestAddMessagesDuringSummariseSurvives(t *testing.T) {
	sum := &blockingSummariser{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cm := NewContextManager(ContextManagerConfig{
		MaxTokens:      40,
		ThresholdRatio: 0.75,
		Summariser:     sum,
	})

	long := strings.Repeat("hello there ", 10)
	if err := cm.AddMessages(context.Background(), llm.Message{Role: "user", Content: long}); err != nil {
		t.Fatalf("first add: %v", err)
	}

	// The second add crosses the threshold and parks in the summariser.
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- cm.AddMessages(context.Background(), llm.Message{Role: "assistant", Content: long})
	}()
	<-sum.entered

	// An add landing while the summariser is in flight must neither block
	// on it nor start a second summarisation.
	if err := cm.AddMessages(context.Background(), llm.Message{Role: "user", Content: long}); err != nil {
		t.Fatalf("concurrent add: %v", err)
	}

	close(sum.release)
	if err := <-firstErr; err != nil {
		t.Fatalf("summarising add: %v", err)
	}

	if sum.calls != 1 {
		t.Errorf("summariser ran %d times, want 1", sum.calls)
	}
	msgs := cm.Messages()
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "compressed history") {
		t.Errorf("first message should be the summary, got %+v", msgs[0])
	}
	// One message was compressed away; the other two survive the splice.
	if len(msgs) != 3 {
		t.Errorf("messages after interleaved summarise = %d, want 3", len(msgs))
	}
}

func TestTokenEstimateCountsToolCalls(t *testing.T) {
	cm := NewContextManager(ContextManagerConfig{MaxTokens: 100000, Summariser: &stubSummariser{}})
	_ = cm.AddMessages(context.Background(), llm.Message{
		Role:      "assistant",
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: "search_memories", Arguments: `{"query":"cat"}`}},
	})
	if cm.TokenEstimate() == 0 {
		t.Error("tool-call-only message must still count tokens")
	}
}
