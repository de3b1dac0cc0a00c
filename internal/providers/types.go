// Package providers defines the narrow interfaces through which the
// runtime consumes language models. Concrete HTTP clients live outside
// the core; the runner only needs these two call shapes.
package providers

import (
	"context"

	"github.com/Zedster07/brainwave2/internal/conversation"
)

// ToolParam describes one tool passed to a structured-tool model.
type ToolParam struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// CompleteRequest is the input for a structured completion.
type CompleteRequest struct {
	System      string                 `json:"system"`
	Messages    []conversation.Message `json:"messages"`
	Tools       []ToolParam            `json:"tools,omitempty"`
	Model       string                 `json:"model,omitempty"`
	Temperature float64                `json:"temperature"`
	MaxTokens   int                    `json:"max_tokens"`
}

// CacheMetrics reports prompt-cache activity when the provider supports it.
type CacheMetrics struct {
	CreationTokens int `json:"creation_tokens"`
	ReadTokens     int `json:"read_tokens"`
}

// CompleteResponse is the structured reply.
type CompleteResponse struct {
	Blocks       []conversation.Block `json:"blocks"`
	TokensIn     int                  `json:"tokens_in"`
	TokensOut    int                  `json:"tokens_out"`
	FinishReason string               `json:"finish_reason"` // "end_turn", "tool_use", "max_tokens"
	Cache        *CacheMetrics        `json:"cache,omitempty"`
}

// StreamRequest is the input for a text-protocol streamed reply. The
// tool catalog is rendered into the system prompt by the caller; the
// provider just streams text.
type StreamRequest struct {
	System      string                 `json:"system"`
	Messages    []conversation.Message `json:"messages"`
	Model       string                 `json:"model,omitempty"`
	Temperature float64                `json:"temperature"`
	MaxTokens   int                    `json:"max_tokens"`
}

// Provider is a structured-tool-call model.
type Provider interface {
	// Complete submits the conversation plus tool catalog and returns
	// the full reply. Implementations must honor ctx cancellation.
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error)

	// SupportsThinking reports whether the model emits hidden reasoning
	// blocks. When true the runner pins temperature to 1.0 and carries
	// thinking blocks verbatim in the transcript.
	SupportsThinking() bool

	// ContextWindow returns the model's context window in tokens.
	ContextWindow() int

	// Name identifies the provider for logging and events.
	Name() string
}

// StreamProvider is a text-protocol model whose replies arrive as raw
// string chunks, parsed incrementally by the caller.
type StreamProvider interface {
	// Stream sends the request and invokes onChunk for each piece of
	// the reply, in order, from a single goroutine. Returns after the
	// stream ends or ctx is cancelled.
	Stream(ctx context.Context, req StreamRequest, onChunk func(chunk string)) error

	ContextWindow() int
	Name() string
}

// Summarizer produces the conversation condensation summary. It is a
// separate, typically cheaper model call than the model under task.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}
