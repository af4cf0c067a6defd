package voice

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// DialFunc opens a channel. [Dialer.Listen] and [Dialer.Speak] satisfy it.
type DialFunc func(ctx context.Context) (*Channel, error)

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// MaxRetries is the maximum number of attempts. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up to
	// MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// Reconnector re-dials a channel with exponential backoff. The channel itself
// never reconnects; owners that want a fresh connection after EventClosed go
// through a Reconnector.
type Reconnector struct {
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconnector creates a Reconnector, applying defaults for zero fields.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		sleep:      sleepCtx,
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	return r
}

// Dial calls dial until it succeeds, the retries are exhausted, or ctx is done.
func (r *Reconnector) Dial(ctx context.Context, role Role, dial DialFunc) (*Channel, error) {
	wait := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, err := dial(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("voice channel reconnected", "role", role, "attempt", attempt)
			}
			return ch, nil
		}
		lastErr = err
		slog.Warn("voice channel dial failed",
			"role", role,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", wait,
			"err", err,
		)
		if attempt == r.maxRetries {
			break
		}
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
		wait = min(wait*2, r.maxBackoff)
	}
	return nil, fmt.Errorf("voice: %s: giving up after %d attempts: %w", role, r.maxRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
