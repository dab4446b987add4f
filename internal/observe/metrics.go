// Package observe provides application-wide observability primitives for
// tressa: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tressa metrics.
const meterName = "github.com/MrWong99/tressa"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RecordingDuration tracks how long recording sessions last, from capture
	// start to stop.
	RecordingDuration metric.Float64Histogram

	// ReplyLatency tracks the time from forwarding an utterance to the first
	// reply stream event.
	ReplyLatency metric.Float64Histogram

	// --- Counters ---

	// RecordingSessions counts finished recording sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	RecordingSessions metric.Int64Counter

	// TransportMessages counts messages crossing the transport. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("kind", ...)
	TransportMessages metric.Int64Counter

	// TransportDropped counts sends dropped while the transport was closed.
	// Use with attribute:
	//   attribute.String("kind", ...)
	TransportDropped metric.Int64Counter

	// TransportReconnects counts scheduled reconnect attempts.
	TransportReconnects metric.Int64Counter

	// PlaybackItems counts reply fragments played. Use with attribute:
	//   attribute.String("status", ...)
	PlaybackItems metric.Int64Counter

	// ProtocolErrors counts inbound messages that were ignored. Use with attribute:
	//   attribute.String("kind", ...)
	ProtocolErrors metric.Int64Counter

	// ModeTransitions counts conversation mode changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	ModeTransitions metric.Int64Counter

	// WakeTriggers counts wake triggers. Use with attribute:
	//   attribute.String("status", ...)
	WakeTriggers metric.Int64Counter

	// --- Gauges ---

	// ActiveRecordings is 1 while a capture session holds the microphone.
	ActiveRecordings metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for reply
// latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20,
}

// recordingBuckets covers utterances from a blip to the maximum recording cap.
var recordingBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RecordingDuration, err = m.Float64Histogram("tressa.recording.duration",
		metric.WithDescription("Duration of recording sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recordingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyLatency, err = m.Float64Histogram("tressa.reply.latency",
		metric.WithDescription("Time from utterance end to reply stream start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RecordingSessions, err = m.Int64Counter("tressa.recording.sessions",
		metric.WithDescription("Total recording sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TransportMessages, err = m.Int64Counter("tressa.transport.messages",
		metric.WithDescription("Total transport messages by direction and kind."),
	); err != nil {
		return nil, err
	}
	if met.TransportDropped, err = m.Int64Counter("tressa.transport.dropped",
		metric.WithDescription("Total sends dropped while disconnected."),
	); err != nil {
		return nil, err
	}
	if met.TransportReconnects, err = m.Int64Counter("tressa.transport.reconnects",
		metric.WithDescription("Total scheduled reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackItems, err = m.Int64Counter("tressa.playback.items",
		metric.WithDescription("Total reply fragments played by status."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("tressa.protocol.errors",
		metric.WithDescription("Total ignored inbound messages by kind."),
	); err != nil {
		return nil, err
	}
	if met.ModeTransitions, err = m.Int64Counter("tressa.conversation.transitions",
		metric.WithDescription("Total conversation mode transitions."),
	); err != nil {
		return nil, err
	}
	if met.WakeTriggers, err = m.Int64Counter("tressa.wake.triggers",
		metric.WithDescription("Total wake triggers by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRecordings, err = m.Int64UpDownCounter("tressa.active_recordings",
		metric.WithDescription("Number of capture sessions currently holding the microphone."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tressa.http.request.duration",
		metric.WithDescription("HTTP request latency by route and status."),
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

// RecordSession records a finished recording session with its outcome and
// duration in seconds.
func (m *Metrics) RecordSession(ctx context.Context, outcome string, seconds float64) {
	m.RecordingSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.RecordingDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTransportMessage records one message crossing the transport.
func (m *Metrics) RecordTransportMessage(ctx context.Context, direction, kind string) {
	m.TransportMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("kind", kind),
		),
	)
}

// RecordDrop records a send dropped while the transport was closed.
func (m *Metrics) RecordDrop(ctx context.Context, kind string) {
	m.TransportDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPlayback records one played reply fragment.
func (m *Metrics) RecordPlayback(ctx context.Context, status string) {
	m.PlaybackItems.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProtocolError records an ignored inbound message.
func (m *Metrics) RecordProtocolError(ctx context.Context, kind string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordModeTransition records a conversation mode change.
func (m *Metrics) RecordModeTransition(ctx context.Context, from, to string) {
	m.ModeTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordWake records a wake trigger and whether it was accepted.
func (m *Metrics) RecordWake(ctx context.Context, status string) {
	m.WakeTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
