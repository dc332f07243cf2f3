package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmdzco/donna2/pkg/provider/llm"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// ContextManager tracks the per-call LLM message history and keeps it inside
// the model's context window.
//
// It maintains an ordered list of [llm.Message] values and accumulated
// summaries. When the estimated token count exceeds thresholdRatio × maxTokens,
// the oldest half of the messages is summarised and replaced by a compact
// summary message. The flow machine's reset-with-summary strategy calls
// [ContextManager.ResetWithSummary] explicitly when the call enters its main
// phase, compressing the greeting exchange the same way.
//
// All methods are safe for concurrent use.
type ContextManager struct {
	maxTokens      int
	thresholdRatio float64
	summariser     Summariser

	mu            sync.Mutex
	currentTokens int
	messages      []llm.Message
	summaries     []string
	summarising   bool
}

// ContextManagerConfig configures a [ContextManager].
type ContextManagerConfig struct {
	// MaxTokens is the provider's context window size (e.g., 128000).
	MaxTokens int

	// ThresholdRatio is the fraction of MaxTokens at which summarisation is
	// triggered. Defaults to 0.75 if zero or negative.
	ThresholdRatio float64

	// Summariser is used to compress older messages. Must not be nil.
	Summariser Summariser
}

// NewContextManager creates a new [ContextManager] with the given configuration.
// If ThresholdRatio is zero or negative, 0.75 is used.
func NewContextManager(cfg ContextManagerConfig) *ContextManager {
	ratio := cfg.ThresholdRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return &ContextManager{
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: ratio,
		summariser:     cfg.Summariser,
		messages:       make([]llm.Message, 0),
		summaries:      make([]string, 0),
	}
}

// AddMessages appends messages and estimates token count.
// If the accumulated tokens exceed threshold × maxTokens, the oldest half
// of the messages is automatically summarised and replaced.
func (cm *ContextManager) AddMessages(ctx context.Context, msgs ...llm.Message) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, m := range msgs {
		cm.messages = append(cm.messages, m)
		cm.currentTokens += estimateTokens(m)
	}

	threshold := int(float64(cm.maxTokens) * cm.thresholdRatio)
	if cm.currentTokens > threshold && len(cm.messages) > 1 {
		if err := cm.summariseOldest(ctx, len(cm.messages)/2); err != nil {
			return fmt.Errorf("context manager auto-summarise: %w", err)
		}
	}

	return nil
}

// Messages returns the current conversation history with any accumulated
// summaries prepended as system context, ready for a CompletionRequest.
func (cm *ContextManager) Messages() []llm.Message {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	result := make([]llm.Message, 0, len(cm.summaries)+len(cm.messages))
	for _, s := range cm.summaries {
		result = append(result, llm.Message{
			Role:    "system",
			Content: fmt.Sprintf("[Earlier in this call]: %s", s),
		})
	}
	result = append(result, cm.messages...)
	return result
}

// TokenEstimate returns the current estimated token count, including
// summary tokens.
func (cm *ContextManager) TokenEstimate() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.currentTokens
}

// ResetWithSummary compresses the entire history so far into one summary and
// starts the message list fresh. Summariser failure keeps the history
// untouched; losing context mid-call is worse than a long prompt.
func (cm *ContextManager) ResetWithSummary(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if len(cm.messages) == 0 {
		return nil
	}
	return cm.summariseOldest(ctx, len(cm.messages))
}

// Reset clears all messages and summaries.
func (cm *ContextManager) Reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.messages = cm.messages[:0]
	cm.summaries = cm.summaries[:0]
	cm.currentTokens = 0
}

// summariseOldest compresses the oldest n messages into a summary.
// Must be called with cm.mu held. The lock is released around the LLM call;
// only one summarisation runs at a time, so messages appended meanwhile
// land after the splice point and survive untouched.
func (cm *ContextManager) summariseOldest(ctx context.Context, n int) error {
	if cm.summarising {
		// Another caller is already compressing; their splice covers us.
		return nil
	}
	if n <= 0 {
		n = 1
	}
	if n > len(cm.messages) {
		n = len(cm.messages)
	}

	toSummarise := make([]llm.Message, n)
	copy(toSummarise, cm.messages[:n])

	// Temporarily release the lock for the (potentially slow) LLM call.
	cm.summarising = true
	cm.mu.Unlock()
	summary, err := cm.summariser.Summarise(ctx, toSummarise)
	cm.mu.Lock()
	cm.summarising = false
	if err != nil {
		return err
	}

	// A Reset while unlocked may have shrunk the list; never splice past it.
	if n > len(cm.messages) {
		n = len(cm.messages)
	}

	removedTokens := 0
	for _, m := range cm.messages[:n] {
		removedTokens += estimateTokens(m)
	}

	cm.messages = cm.messages[n:]
	cm.currentTokens -= removedTokens

	cm.summaries = append(cm.summaries, summary)
	cm.currentTokens += len(summary) / charsPerToken

	return nil
}

// estimateTokens returns a rough token count for a single message using
// the 1-token-per-4-characters heuristic.
func estimateTokens(m llm.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
