package observe

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestViews_PinEngineBuckets(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(Views()...))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.RecordSession(ctx, "utterance", 2.4)
	m.ReplyLatency.Record(ctx, 0.8)
	m.HTTPRequestDuration.Record(ctx, 0.003)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	tests := []struct {
		name   string
		bounds []float64
	}{
		{"tressa.recording.duration", recordingBuckets},
		{"tressa.reply.latency", latencyBuckets},
		{"tressa.http.request.duration", httpBuckets},
	}
	for _, tc := range tests {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Errorf("%s not recorded", tc.name)
			continue
		}
		hist := met.Data.(metricdata.Histogram[float64])
		if len(hist.DataPoints) != 1 {
			t.Errorf("%s: %d data points, want 1", tc.name, len(hist.DataPoints))
			continue
		}
		if got := hist.DataPoints[0].Bounds; !slices.Equal(got, tc.bounds) {
			t.Errorf("%s bounds = %v, want %v", tc.name, got, tc.bounds)
		}
	}
}

func TestSampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{-0.5, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tc := range tests {
		desc := sampler(tc.ratio).Description()
		if !strings.HasPrefix(desc, "ParentBased{") {
			t.Errorf("ratio %g: %q is not parent based", tc.ratio, desc)
		}
		if !strings.Contains(desc, "root:"+tc.want) {
			t.Errorf("ratio %g: sampler = %q, want root %s", tc.ratio, desc, tc.want)
		}
	}
}

// InitProvider swaps the global providers, so this test does not run in
// parallel.
func TestInitProvider_ExportsEngineMetrics(t *testing.T) {
	origMP, origTP, origProp := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})

	ctx := context.Background()
	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(ctx, ProviderConfig{
		ServiceVersion: "test",
		InstanceID:     "kitchen",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordSession(ctx, "utterance", 1.2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var sawRecording, sawInstance bool
	for _, fam := range families {
		if strings.HasPrefix(fam.GetName(), "tressa_recording_duration") && fam.GetType().String() == "HISTOGRAM" {
			sawRecording = true
			var uppers []float64
			for _, b := range fam.GetMetric()[0].GetHistogram().GetBucket() {
				uppers = append(uppers, b.GetUpperBound())
			}
			if !slices.Equal(uppers, recordingBuckets) {
				t.Errorf("exported buckets = %v, want %v", uppers, recordingBuckets)
			}
		}
		for _, metric := range fam.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "service_instance_id" && lp.GetValue() == "kitchen" {
					sawInstance = true
				}
			}
		}
	}
	if !sawRecording {
		t.Error("recording duration histogram not exported to the registerer")
	}
	if !sawInstance {
		t.Error("service.instance.id not exported")
	}
}
