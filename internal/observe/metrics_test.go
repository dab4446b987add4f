package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
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

// sumFor returns the value of the data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
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

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"tressa.recording.duration", m.RecordingDuration},
		{"tressa.reply.latency", m.ReplyLatency},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordSession(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSession(ctx, "utterance", 1.2)
	m.RecordSession(ctx, "utterance", 2.4)
	m.RecordSession(ctx, "discarded", 10)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "tressa.recording.sessions", "outcome", "utterance"); got != 2 {
		t.Errorf("utterance sessions = %d, want 2", got)
	}
	if got := sumFor(t, rm, "tressa.recording.sessions", "outcome", "discarded"); got != 1 {
		t.Errorf("discarded sessions = %d, want 1", got)
	}
}

func TestTransportCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransportMessage(ctx, "out", "binary")
	m.RecordTransportMessage(ctx, "out", "binary")
	m.RecordTransportMessage(ctx, "in", "text")
	m.RecordDrop(ctx, "binary")
	m.TransportReconnects.Add(ctx, 1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "tressa.transport.messages", "kind", "binary"); got != 2 {
		t.Errorf("binary messages = %d, want 2", got)
	}
	if got := sumFor(t, rm, "tressa.transport.dropped", "kind", "binary"); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if findMetric(rm, "tressa.transport.reconnects") == nil {
		t.Error("reconnect counter not found")
	}
}

func TestConversationCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordModeTransition(ctx, "STANDBY", "LISTENING")
	m.RecordWake(ctx, "accepted")
	m.RecordWake(ctx, "ignored")
	m.RecordWake(ctx, "ignored")
	m.RecordProtocolError(ctx, "malformed")
	m.RecordPlayback(ctx, "error")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "tressa.conversation.transitions", "to", "LISTENING"); got != 1 {
		t.Errorf("transitions = %d, want 1", got)
	}
	if got := sumFor(t, rm, "tressa.wake.triggers", "status", "ignored"); got != 2 {
		t.Errorf("ignored wakes = %d, want 2", got)
	}
	if got := sumFor(t, rm, "tressa.protocol.errors", "kind", "malformed"); got != 1 {
		t.Errorf("protocol errors = %d, want 1", got)
	}
	if got := sumFor(t, rm, "tressa.playback.items", "status", "error"); got != 1 {
		t.Errorf("playback errors = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveRecordings.Add(ctx, 1)
	m.ActiveRecordings.Add(ctx, 1)
	m.ActiveRecordings.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "tressa.active_recordings")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("route", "GET /healthz"),
			attribute.Int("status", 200),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "tressa.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
