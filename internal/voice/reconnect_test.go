package voice

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconnector_Defaults(t *testing.T) {
	t.Parallel()

	r := NewReconnector(ReconnectorConfig{})
	if r.maxRetries != 10 {
		t.Errorf("expected default maxRetries=10, got %d", r.maxRetries)
	}
	if r.backoff != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("expected default maxBackoff=30s, got %v", r.maxBackoff)
	}
}

func TestReconnector_Dial(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after failures with exponential backoff", func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{MaxRetries: 5, Backoff: time.Second, MaxBackoff: 3 * time.Second})
		var waits []time.Duration
		r.sleep = func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}
		want := &Channel{}
		calls := 0
		got, err := r.Dial(context.Background(), RoleSpeak, func(context.Context) (*Channel, error) {
			calls++
			if calls < 4 {
				return nil, errors.New("refused")
			}
			return want, nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Error("returned channel does not match dialed channel")
		}
		if calls != 4 {
			t.Errorf("expected 4 dial calls, got %d", calls)
		}
		wantWaits := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
		if len(waits) != len(wantWaits) {
			t.Fatalf("waits = %v, want %v", waits, wantWaits)
		}
		for i := range waits {
			if waits[i] != wantWaits[i] {
				t.Errorf("wait %d = %v, want %v", i, waits[i], wantWaits[i])
			}
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{MaxRetries: 3})
		r.sleep = func(context.Context, time.Duration) error { return nil }
		dialErr := errors.New("refused")
		calls := 0
		_, err := r.Dial(context.Background(), RoleListen, func(context.Context) (*Channel, error) {
			calls++
			return nil, dialErr
		})
		if !errors.Is(err, dialErr) {
			t.Fatalf("err = %v, want wrapped dial error", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 dial calls, got %d", calls)
		}
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{MaxRetries: 5})
		ctx, cancel := context.WithCancel(context.Background())
		r.sleep = func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}
		_, err := r.Dial(ctx, RoleListen, func(context.Context) (*Channel, error) {
			return nil, errors.New("refused")
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}
