package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/vibepm/internal/store"
)

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	failing := Checker{Name: "db", Check: func(context.Context) error { return errors.New("down") }}
	code, body := serve(t, New(failing), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %+v", code, body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "store", Check: ok}, {Name: "speech", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"store": "ok", "speech": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "store", Check: ok},
				{Name: "speech", Check: func(context.Context) error { return errors.New("listen closed") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"store": "ok", "speech": "fail: listen closed"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tc.checkers...), "/readyz")
			if code != tc.wantCode || body.Status != tc.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tc.wantCode, tc.wantStatus)
			}
			for k, v := range tc.wantChecks {
				if body.Checks[k] != v {
					t.Errorf("checks[%q] = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	wait := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: wait}, Checker{Name: "b", Check: wait})

	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		done <- rec.Code
	}()
	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("checks did not start concurrently")
		}
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("code = %d", code)
	}
}

func TestPingChecker_Store(t *testing.T) {
	t.Parallel()

	code, body := serve(t, New(PingChecker("store", store.NewMemoryStore())), "/readyz")
	if code != http.StatusOK || body.Checks["store"] != "ok" {
		t.Errorf("readyz = %d %+v", code, body)
	}
}

func TestFlag(t *testing.T) {
	t.Parallel()

	var f Flag
	h := New(f.Checker("speech"))

	if code, _ := serve(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("zero flag code = %d", code)
	}
	f.Set(errors.New("speak channel failed"))
	code, body := serve(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || body.Checks["speech"] != "fail: speak channel failed" {
		t.Errorf("set flag = %d %+v", code, body)
	}
	f.Set(nil)
	if code, _ := serve(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("cleared flag code = %d", code)
	}
}
