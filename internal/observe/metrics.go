// Package observe provides application-wide observability primitives for
// vibepm: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all vibepm metrics.
const meterName = "github.com/MrWong99/vibepm"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnLatency tracks the time from submitting a user turn to the first
	// reply fragment reaching the speak channel.
	TurnLatency metric.Float64Histogram

	// LLMDuration tracks a full reply stream, including tool rounds.
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// StateTransitions counts turn state changes. Attributes: from, to.
	StateTransitions metric.Int64Counter

	// BargeIns counts replies interrupted by user speech.
	BargeIns metric.Int64Counter

	// ReplyFragments counts sentence fragments forwarded to speech synthesis.
	ReplyFragments metric.Int64Counter

	// ProviderRequests counts provider API calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ToolCalls counts model tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// DocumentWrites counts document persistence attempts. Attributes: op, status.
	DocumentWrites metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// ChannelErrors counts speech channel failures. Attributes: role, kind.
	ChannelErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live discovery sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnLatency, err = m.Float64Histogram("vibepm.turn.latency",
		metric.WithDescription("Time from user turn submission to the first spoken reply fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("vibepm.llm.duration",
		metric.WithDescription("Duration of a complete reply stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.StateTransitions, err = m.Int64Counter("vibepm.turn.transitions",
		metric.WithDescription("Turn state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("vibepm.turn.barge_ins",
		metric.WithDescription("Replies interrupted by user speech."),
	); err != nil {
		return nil, err
	}
	if met.ReplyFragments, err = m.Int64Counter("vibepm.reply.fragments",
		metric.WithDescription("Reply fragments forwarded to speech synthesis."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("vibepm.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("vibepm.tool.calls",
		metric.WithDescription("Total model tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.DocumentWrites, err = m.Int64Counter("vibepm.document.writes",
		metric.WithDescription("Document persistence attempts by operation and status."),
	); err != nil {
		return nil, err
	}

	if met.ProviderErrors, err = m.Int64Counter("vibepm.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ChannelErrors, err = m.Int64Counter("vibepm.channel.errors",
		metric.WithDescription("Speech channel failures by role and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("vibepm.active_sessions",
		metric.WithDescription("Number of live discovery sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("vibepm.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition records a turn state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordBargeIn records an interrupted reply.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordTurnLatency records the delay before the first reply fragment.
func (m *Metrics) RecordTurnLatency(ctx context.Context, d time.Duration) {
	m.TurnLatency.Record(ctx, d.Seconds())
}

// RecordProviderRequest records a provider request with the standard attributes.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records a tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordDocumentWrite records a save or update of a requirements document.
func (m *Metrics) RecordDocumentWrite(ctx context.Context, op, status string) {
	m.DocumentWrites.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordChannelError records a speech channel failure.
func (m *Metrics) RecordChannelError(ctx context.Context, role, kind string) {
	m.ChannelErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("kind", kind),
		),
	)
}
