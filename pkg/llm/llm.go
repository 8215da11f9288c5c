// Package llm defines the Provider interface for Large Language Model
// backends used by the conversation engine.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic
// via any-llm, or a local Ollama instance) and exposes a uniform interface for
// response generation without coupling to any specific SDK.
//
// Implementations must be safe for concurrent use, and every method must
// honor context cancellation promptly: a cancelled generation is how the
// engine implements barge-in, so a provider that ignores ctx keeps the agent
// talking over the user.
package llm

import "context"

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or "error".
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// TokenLogprob pairs a candidate first token with its log-probability.
// Returned by [Scorer.ScoreFirstToken].
type TokenLogprob struct {
	Token   string
	Logprob float64
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed when the stream ends or ctx is cancelled,
// and a cancelled call must not be reported as a provider failure.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits [Chunk] values as they arrive. The channel is closed when
	// generation finishes or ctx is cancelled. Callers must drain the channel.
	//
	// The initial error is non-nil only for failures that prevent the stream
	// from starting; mid-stream errors surface as a Chunk with FinishReason
	// "error".
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. A convenience
	// wrapper for callers that do not need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Scorer is optionally implemented by providers that can expose the
// log-probabilities of the first generated token. The semantic end-of-turn
// detector uses this to turn a classification prompt into a calibrated
// probability instead of parsing free-form model output.
type Scorer interface {
	// ScoreFirstToken requests a single-token completion for req and returns
	// the top-k candidate first tokens with their log-probabilities.
	ScoreFirstToken(ctx context.Context, req CompletionRequest, topK int) ([]TokenLogprob, error)
}
