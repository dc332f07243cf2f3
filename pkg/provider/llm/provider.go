// Package llm defines the Provider interface for Large Language Model backends.
//
// Three model roles sit behind this interface in a call: the voice model that
// produces the assistant's streamed reply with tool use, the director model
// that analyses each turn off the hot path, and the analysis/extraction model
// used by post-call processing. All three are accessed through the same
// Provider abstraction so that roles can be bound to different vendors in
// configuration without the call pipeline knowing.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Provided as a
	// convenience; some providers return it directly.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Tools is the set of function/tool definitions offered to the model.
	// The model may choose to call one or more of them in its response.
	Tools []ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. Providers without a dedicated system slot
	// prepend it as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. A single
// chunk may carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if
	// the chunk carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped: "stop", "length", "tool_calls", or "error" for failures that
	// occur after the stream opened ("" on non-final chunks).
	FinishReason string

	// ToolCalls contains complete tool invocations the model is requesting.
	// Implementations accumulate streamed fragments and emit whole calls on
	// the finishing chunk.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel emitting Chunk values as they arrive. The channel is closed
	// when generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel. Errors after the stream opens surface
	// as a Chunk with FinishReason "error"; the error return is non-nil only
	// when the stream cannot start.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. Used for context budget enforcement; the
	// result need not be exact but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}
