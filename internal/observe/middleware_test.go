package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newMux(m *Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /documents/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return Middleware(m)(mux)
}

func TestMiddleware(t *testing.T) {
	exp := useTestTracer(t)
	m, reader := newTestMetrics(t)
	h := newMux(m)

	for _, path := range []string{"/documents/a", "/documents/b", "/readyz", "/nowhere"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Header().Get("X-Correlation-ID") == "" {
			t.Errorf("%s: missing X-Correlation-ID", path)
		}
	}

	rm := collect(t, reader)
	met := findMetric(rm, "vibepm.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not recorded")
	}
	counts := map[string]uint64{}
	for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
		v, _ := dp.Attributes.Value("path")
		counts[v.AsString()] += dp.Count
	}
	want := map[string]uint64{"GET /documents/{id}": 2, "GET /readyz": 1, "unmatched": 1}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("count[%q] = %d, want %d (all: %v)", k, counts[k], v, counts)
		}
	}

	spans := exp.GetSpans()
	if len(spans) != 4 {
		t.Fatalf("spans = %d, want 4", len(spans))
	}
	var failed int
	for _, s := range spans {
		if s.Status.Code == codes.Error {
			failed++
			if s.Name != "HTTP GET /readyz" {
				t.Errorf("error span name = %q", s.Name)
			}
		}
	}
	if failed != 1 {
		t.Errorf("error spans = %d, want 1", failed)
	}
}

func TestMiddleware_PropagatesTraceParent(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)

	var got string
	h := Middleware(m)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(context.Background()))

	if got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %q, want incoming trace", got)
	}
}

func TestInitProvider(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	m.RecordBargeIn(context.Background())

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, want := range []string{"vibepm_turn_barge_ins", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
