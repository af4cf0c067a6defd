// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote model API (Gemini, OpenAI-compatible endpoints) and
// exposes streaming and blocking completions with tool calling, so the
// interview engine never couples to a specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Finish reasons reported on the last Chunk of a stream.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
)

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history, oldest first.
	Messages []Message

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// Temperature controls output randomness. Zero means the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the provider
	// default.
	MaxTokens int

	// SystemPrompt is an optional instruction placed before the history.
	SystemPrompt string
}

// Chunk is a fragment emitted by a streaming completion. A chunk may carry
// text, a finish reason, tool calls, or any combination thereof.
type Chunk struct {
	// Text is the incremental text content.
	Text string

	// FinishReason is set on the final chunk. FinishError marks a stream that
	// failed after it started; Err then holds the cause.
	FinishReason string

	// ToolCalls holds the complete tool invocations requested by the model.
	// Providers accumulate streamed argument fragments and emit the calls once,
	// on the final chunk.
	ToolCalls []ToolCall

	// Err is set when FinishReason is FinishError.
	Err error
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full reply text. Empty when the model responds only with
	// tool calls.
	Content string

	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel emitting
	// Chunk values as they arrive. The channel is closed when generation
	// finishes or ctx is cancelled. The error return is non-nil only for
	// failures that prevent the stream from starting; later failures arrive as
	// a chunk with FinishReason FinishError.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens messages would consume in the
	// model's context window. The result should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}

// Collect drains a completion stream into a CompletionResponse. It returns the
// stream's error when the final chunk reports FinishError.
func Collect(ctx context.Context, ch <-chan Chunk) (*CompletionResponse, error) {
	var (
		text strings.Builder
		resp CompletionResponse
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c, ok := <-ch:
			if !ok {
				resp.Content = text.String()
				return &resp, nil
			}
			if c.FinishReason == FinishError {
				if c.Err == nil {
					c.Err = errors.New(c.Text)
				}
				return nil, c.Err
			}
			text.WriteString(c.Text)
			resp.ToolCalls = append(resp.ToolCalls, c.ToolCalls...)
		}
	}
}

// EstimateTokens approximates token usage at roughly four characters per
// token plus a fixed per-message overhead.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name) + len(tc.Arguments) + 3) / 4
		}
		total += 4
	}
	return total
}
