package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/vibepm/internal/observe"
	"github.com/MrWong99/vibepm/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over across a [Group] of
// providers.
//
// A stream counts as failed when the provider refuses to open it or when its
// first chunk is an error. Once a chunk with content has been delivered the
// stream is committed to that provider and later errors reach the caller.
type LLMFallback struct {
	group   *Group[llm.Provider]
	metrics *observe.Metrics
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates a failover provider with primary first. m may be nil
// to skip metrics.
func NewLLMFallback(primaryName string, primary llm.Provider, cfg CircuitBreakerConfig, m *observe.Metrics) *LLMFallback {
	return &LLMFallback{group: NewGroup(primaryName, primary, cfg), metrics: m}
}

// AddFallback appends a provider tried after the ones already added.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.Add(name, p)
}

// Providers returns the member names in trial order.
func (f *LLMFallback) Providers() []string {
	members := f.group.Members()
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	return names
}

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, f.group, func(ctx context.Context, name string, p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		f.record(ctx, name, "complete", err)
		return resp, err
	})
}

// StreamCompletion implements [llm.Provider].
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Do(ctx, f.group, func(ctx context.Context, name string, p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			f.record(ctx, name, "stream", err)
			return nil, err
		}
		var (
			first llm.Chunk
			ok    bool
		)
		select {
		case first, ok = <-ch:
		case <-ctx.Done():
			go drain(ch)
			return nil, ctx.Err()
		}
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			f.record(ctx, name, "stream", nil)
			return closed(), nil
		}
		if first.Err != nil && first.Text == "" && len(first.ToolCalls) == 0 {
			go drain(ch)
			f.record(ctx, name, "stream", first.Err)
			return nil, first.Err
		}
		f.record(ctx, name, "stream", nil)
		return prepend(ctx, first, ch), nil
	})
}

// CountTokens implements [llm.Provider] with the primary's counter, falling
// back to [llm.EstimateTokens].
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	if n, err := f.group.Primary().CountTokens(messages); err == nil {
		return n, nil
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities reports the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

func (f *LLMFallback) record(ctx context.Context, provider, kind string, err error) {
	if f.metrics == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		if !errors.Is(err, context.Canceled) {
			f.metrics.RecordProviderError(ctx, provider, kind)
		}
	}
	f.metrics.RecordProviderRequest(ctx, provider, kind, status)
}

func prepend(ctx context.Context, first llm.Chunk, rest <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk, 1)
	out <- first
	go func() {
		defer close(out)
		for c := range rest {
			select {
			case out <- c:
			case <-ctx.Done():
				drain(rest)
				return
			}
		}
	}()
	return out
}

func closed() <-chan llm.Chunk {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
