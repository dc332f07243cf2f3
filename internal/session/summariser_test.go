package session

import (
	"context"
	"strings"
	"testing"

	"github.com/dmdzco/donna2/pkg/provider/llm"
	llmmock "github.com/dmdzco/donna2/pkg/provider/llm/mock"
)

func TestSummariseFormatsTranscript(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "  They chatted about the garden.  "},
	}
	s := NewLLMSummariser(provider)

	got, err := s.Summarise(context.Background(), []llm.Message{
		{Role: "assistant", Content: "How is the garden coming along?"},
		{Role: "user", Content: "The tomatoes are finally ripening."},
		{Role: "tool", Content: "No matching memories found."},
	})
	if err != nil {
		t.Fatalf("summarise: %v", err)
	}
	if got != "They chatted about the garden." {
		t.Errorf("summary = %q", got)
	}

	req := provider.CompleteCalls[0].Req
	input := req.Messages[0].Content
	if !strings.Contains(input, "[assistant]: How is the garden coming along?") {
		t.Errorf("transcript missing assistant line: %q", input)
	}
	if !strings.Contains(input, "[user]: The tomatoes are finally ripening.") {
		t.Errorf("transcript missing user line: %q", input)
	}
	if strings.Contains(input, "No matching memories") {
		t.Error("tool messages must not reach the summariser input")
	}
	if req.MaxTokens != summaryMaxTokens {
		t.Errorf("max tokens = %d", req.MaxTokens)
	}
	if req.Temperature != 0.3 {
		t.Errorf("temperature = %v", req.Temperature)
	}
}

func TestSummariseEmptyInput(t *testing.T) {
	provider := &llmmock.Provider{}
	s := NewLLMSummariser(provider)
	got, err := s.Summarise(context.Background(), nil)
	if err != nil || got != "" {
		t.Errorf("empty input: got %q, %v", got, err)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Error("empty input must not call the model")
	}
}
