package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [Group] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Member is one backend of a [Group].
type Member[T any] struct {
	Name    string
	Value   T
	Breaker *CircuitBreaker
}

// Group holds a primary backend followed by fallbacks, each behind its own
// [CircuitBreaker]. Members are tried in order. Add all members before the
// group is shared between goroutines.
type Group[T any] struct {
	members []Member[T]
	cfg     CircuitBreakerConfig
}

// NewGroup creates a group whose first member is primary. cfg is the template
// for every member's breaker; its Name is replaced by the member name.
func NewGroup[T any](primaryName string, primary T, cfg CircuitBreakerConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback.
func (g *Group[T]) Add(name string, value T) {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, Member[T]{Name: name, Value: value, Breaker: NewCircuitBreaker(cfg)})
}

// Members returns the members in trial order.
func (g *Group[T]) Members() []Member[T] {
	return append([]Member[T](nil), g.members...)
}

// Primary returns the first member's value.
func (g *Group[T]) Primary() T {
	return g.members[0].Value
}

// Do calls fn on each member in turn until one succeeds and returns its
// result. A cancelled ctx stops the walk and is returned as is. When every
// member fails the last error is wrapped in [ErrAllFailed].
func Do[T, R any](ctx context.Context, g *Group[T], fn func(ctx context.Context, name string, v T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.Breaker.Execute(func() error {
			var err error
			out, err = fn(ctx, m.Name, m.Value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", m.Name)
			continue
		}
		slog.Warn("provider failed, trying next", "provider", m.Name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
