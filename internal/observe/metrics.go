// Package observe provides application-wide observability primitives for
// flowone: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all flowone metrics.
const meterName = "github.com/MrWong99/flowone"

// Metrics holds all OpenTelemetry metric instruments for the client runtime.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// AgentLatency tracks backend-reported per-event latency.
	AgentLatency metric.Float64Histogram

	// ControlRequestDuration tracks backend control API round trips. Use with
	// attributes: attribute.String("op", ...), attribute.String("status", ...)
	ControlRequestDuration metric.Float64Histogram

	// RoomJoinDuration tracks how long avatar room joins take to produce a
	// video track.
	RoomJoinDuration metric.Float64Histogram

	// --- Counters ---

	// EventsReceived counts decoded stream events. Use with attribute:
	//   attribute.String("type", ...)
	EventsReceived metric.Int64Counter

	// FramesDropped counts inbound frames discarded as malformed. Use with
	// attribute: attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// Tokens counts backend-reported token usage.
	Tokens metric.Int64Counter

	// AgentTurns counts finalized agent turns.
	AgentTurns metric.Int64Counter

	// AvatarTransitions counts avatar transport state changes. Use with
	// attribute: attribute.String("state", ...)
	AvatarTransitions metric.Int64Counter

	// StreamDisconnects counts event streams closed by the remote side.
	StreamDisconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions in the active state.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks debug HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// conversational round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AgentLatency, err = m.Float64Histogram("flowone.agent.latency",
		metric.WithDescription("Backend-reported latency attached to session events."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ControlRequestDuration, err = m.Float64Histogram("flowone.control.duration",
		metric.WithDescription("Latency of backend control API requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RoomJoinDuration, err = m.Float64Histogram("flowone.avatar.room_join.duration",
		metric.WithDescription("Time from room join start until the first video track."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EventsReceived, err = m.Int64Counter("flowone.stream.events",
		metric.WithDescription("Total session events received by type."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("flowone.stream.dropped_frames",
		metric.WithDescription("Total inbound frames discarded as malformed."),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("flowone.agent.tokens",
		metric.WithDescription("Total tokens reported by the backend."),
	); err != nil {
		return nil, err
	}
	if met.AgentTurns, err = m.Int64Counter("flowone.agent.turns",
		metric.WithDescription("Total finalized agent turns."),
	); err != nil {
		return nil, err
	}
	if met.AvatarTransitions, err = m.Int64Counter("flowone.avatar.transitions",
		metric.WithDescription("Total avatar transport state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.StreamDisconnects, err = m.Int64Counter("flowone.stream.disconnects",
		metric.WithDescription("Total event streams closed unexpectedly."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("flowone.active_sessions",
		metric.WithDescription("Number of sessions currently active."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("flowone.http.request.duration",
		metric.WithDescription("Debug HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEvent records one received stream event of the given type.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	m.EventsReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordDroppedFrame records one malformed frame that was discarded.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordControlRequest records the duration and outcome of one backend
// control API call.
func (m *Metrics) RecordControlRequest(ctx context.Context, op, status string, d time.Duration) {
	m.ControlRequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordAvatarTransition records a transition of the avatar transport into
// state.
func (m *Metrics) RecordAvatarTransition(ctx context.Context, state string) {
	m.AvatarTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}
