package voice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestClose_StalledPeer(t *testing.T) {
	t.Parallel()

	// The peer accepts and never reads.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx := context.Background()
	c, err := connect(ctx, RoleListen, "ws"+strings.TrimPrefix(srv.URL, "http"), []byte(`{}`))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.drainTimeout = 100 * time.Millisecond

	// Queue audio until the socket buffers and the outbound queue are full.
	chunk := Audio(make([]byte, 256<<10))
	stalled := false
	for range 4096 {
		sctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		err := c.Send(sctx, chunk)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			stalled = true
			break
		}
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if !stalled {
		t.Skip("socket never stalled")
	}

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		if !errors.Is(err, errDrainTimeout) {
			t.Errorf("Close err = %v, want errDrainTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a stalled peer")
	}
	if s := c.State(); s != StateClosed {
		t.Errorf("State = %s, want CLOSED", s)
	}
}
