package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue returns the value of the data point of counter name whose
// attribute key equals value. Pass an empty key to take the first point.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurnLatency(ctx, 800*time.Millisecond)
	m.RecordTurnLatency(ctx, 1200*time.Millisecond)
	m.LLMDuration.Record(ctx, 2.5)
	m.LLMDuration.Record(ctx, 3.5)

	rm := collect(t, reader)
	for _, name := range []string{"vibepm.turn.latency", "vibepm.llm.duration"} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestTurnCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "IDLE", "LISTENING")
	m.RecordTransition(ctx, "SPEAKING", "LISTENING")
	m.RecordTransition(ctx, "SPEAKING", "LISTENING")
	m.RecordBargeIn(ctx)
	m.RecordBargeIn(ctx)
	m.ReplyFragments.Add(ctx, 3)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "vibepm.turn.transitions", "from", "SPEAKING"); got != 2 {
		t.Errorf("SPEAKING transitions = %d, want 2", got)
	}
	if got := counterValue(t, rm, "vibepm.turn.barge_ins", "", ""); got != 2 {
		t.Errorf("barge-ins = %d, want 2", got)
	}
	if got := counterValue(t, rm, "vibepm.reply.fragments", "", ""); got != 3 {
		t.Errorf("fragments = %d, want 3", got)
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "gemini", "llm", "ok")
	m.RecordProviderRequest(ctx, "gemini", "llm", "ok")
	m.RecordProviderRequest(ctx, "gemini", "llm", "error")
	m.RecordProviderError(ctx, "gemini", "llm")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "vibepm.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := counterValue(t, rm, "vibepm.provider.errors", "provider", "gemini"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestDocumentAndChannelCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDocumentWrite(ctx, "update", "ok")
	m.RecordDocumentWrite(ctx, "update", "invalid")
	m.RecordToolCall(ctx, "update_product", "ok")
	m.RecordChannelError(ctx, "speak", "closed")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "vibepm.document.writes", "status", "invalid"); got != 1 {
		t.Errorf("invalid writes = %d, want 1", got)
	}
	if got := counterValue(t, rm, "vibepm.tool.calls", "tool", "update_product"); got != 1 {
		t.Errorf("tool calls = %d, want 1", got)
	}
	if got := counterValue(t, rm, "vibepm.channel.errors", "role", "speak"); got != 1 {
		t.Errorf("channel errors = %d, want 1", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "vibepm.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
