// Package session owns the per-call state and the turn loop: transport
// frames in, STT finals to turns, turns through the LLM/TTS pipeline, audio
// frames back out. One [Session] per live call; the [Manager] tracks them by
// call SID.
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmdzco/donna2/pkg/provider/llm"
)

// summarisationPrompt is the system prompt used when compressing earlier
// call turns. The cap keeps the summary cheap to re-inject every turn.
const summarisationPrompt = `Summarise this phone conversation between a care companion and an elderly person.
Preserve: topics discussed, anything the person shared about their health, mood, family or plans,
questions the companion asked, advice given, and any reminders that were delivered or acknowledged.
Keep it under 200 words.`

// summaryMaxTokens bounds the summariser's output.
const summaryMaxTokens = 300

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	// Summarise takes a slice of messages and returns a condensed summary string.
	Summarise(ctx context.Context, messages []llm.Message) (string, error)
}

// LLMSummariser summarises call segments through the analysis-role model.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats the messages into a transcript and asks the model for a
// condensed summary.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []llm.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}

	return strings.TrimSpace(resp.Content), nil
}
