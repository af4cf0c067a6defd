// Package mock provides a test double for the llm.Provider interface.
//
// Provider records every request and replays scripted streams. Each call to
// StreamCompletion consumes the next entry of Streams; once the script is
// exhausted the last entry is replayed. This lets tests drive multi-round tool
// loops:
//
//	p := &mock.Provider{Streams: [][]llm.Chunk{
//	    {{FinishReason: llm.FinishToolCalls, ToolCalls: []llm.ToolCall{call}}},
//	    {{Text: "Saved."}, {FinishReason: llm.FinishStop}},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vibepm/pkg/provider/llm"
)

// Call records a single StreamCompletion or Complete invocation.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Zero values cause methods
// to return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// Streams is the scripted sequence of streams, one per StreamCompletion.
	Streams [][]llm.Chunk

	// StreamErr, if non-nil, is returned by StreamCompletion without opening a
	// channel.
	StreamErr error

	// Block makes every stream wait for ctx cancellation after its scripted
	// chunks instead of closing.
	Block bool

	// CompleteResponse and CompleteErr are returned by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// TokenCount and CountTokensErr are returned by CountTokens.
	TokenCount     int
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	streamCalls   []Call
	completeCalls []Call
}

// StreamCompletion records the call and replays the next scripted stream.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.streamCalls)
	p.streamCalls = append(p.streamCalls, Call{Ctx: ctx, Req: cloneRequest(req)})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	var chunks []llm.Chunk
	if len(p.Streams) > 0 {
		chunks = p.Streams[min(n, len(p.Streams)-1)]
	}
	block := p.Block
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if block {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completeCalls = append(p.completeCalls, Call{Ctx: ctx, Req: cloneRequest(req)})
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens([]llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TokenCount, p.CountTokensErr
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// StreamCalls returns the recorded StreamCompletion calls.
func (p *Provider) StreamCalls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.streamCalls...)
}

// CompleteCalls returns the recorded Complete calls.
func (p *Provider) CompleteCalls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.completeCalls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamCalls = nil
	p.completeCalls = nil
}

// cloneRequest copies the message slice so later appends by the caller do not
// alter the recorded request.
func cloneRequest(req llm.CompletionRequest) llm.CompletionRequest {
	req.Messages = append([]llm.Message(nil), req.Messages...)
	return req
}

var _ llm.Provider = (*Provider)(nil)
