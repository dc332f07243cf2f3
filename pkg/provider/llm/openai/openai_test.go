package openai

import (
	"testing"

	"github.com/dmdzco/donna2/pkg/provider/llm"
)

func TestConvertMessage_Roles(t *testing.T) {
	for _, role := range []string{"system", "user", "assistant"} {
		t.Run(role, func(t *testing.T) {
			param, err := convertMessage(llm.Message{Role: role, Content: "hello"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var set bool
			switch role {
			case "system":
				set = param.OfSystem != nil
			case "user":
				set = param.OfUser != nil
			case "assistant":
				set = param.OfAssistant != nil
			}
			if !set {
				t.Fatalf("%s variant not set", role)
			}
		})
	}
}

func TestConvertMessage_AssistantToolCalls(t *testing.T) {
	msg := llm.Message{
		Role: "assistant",
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "search_memories", Arguments: `{"query":"grandson visit"}`},
		},
	}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if len(param.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(param.OfAssistant.ToolCalls))
	}
	tc := param.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "search_memories" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"query":"grandson visit"}` {
		t.Errorf("arguments = %s", tc.Function.Arguments)
	}
}

func TestConvertMessage_ToolResult(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: "tool", Content: "3 memories found", ToolCallID: "call_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfTool == nil {
		t.Fatal("expected OfTool to be set")
	}
	if param.OfTool.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %s, want call_1", param.OfTool.ToolCallID)
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	if _, err := convertMessage(llm.Message{Role: "narrator", Content: "test"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model       string
		window      int
		maxOut      int
		toolCalling bool
	}{
		{"gpt-4o", 128_000, 16_384, true},
		{"gpt-4o-mini", 128_000, 16_384, true},
		{"gpt-4", 8_192, 4_096, true},
		{"gpt-3.5-turbo", 16_385, 4_096, true},
		{"o1-mini", 128_000, 65_536, false},
		{"o3-mini", 200_000, 100_000, true},
		{"my-custom-model", 128_000, 4_096, true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.window {
				t.Errorf("context window = %d, want %d", caps.ContextWindow, tt.window)
			}
			if caps.MaxOutputTokens != tt.maxOut {
				t.Errorf("max output = %d, want %d", caps.MaxOutputTokens, tt.maxOut)
			}
			if caps.SupportsToolCalling != tt.toolCalling {
				t.Errorf("tool calling = %v, want %v", caps.SupportsToolCalling, tt.toolCalling)
			}
			if !caps.SupportsStreaming {
				t.Error("all models must report streaming support")
			}
		})
	}
}

func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	count, err := p.CountTokens([]llm.Message{
		{Role: "user", Content: "Hello world"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://gateway.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}
