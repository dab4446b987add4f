package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationID(t *testing.T) {
	useTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "conversation.turn")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 lowercase hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSessionSpan_IsRootWithSessionID(t *testing.T) {
	exp := useTracer(t)

	wakeCtx, wake := StartSpan(context.Background(), "HTTP POST /wake")
	_, session := StartSessionSpan(wakeCtx, "sess-1")
	session.End()
	wake.End()

	var found bool
	for _, s := range exp.GetSpans() {
		if s.Name != "recorder.session" {
			continue
		}
		found = true
		if s.Parent.IsValid() {
			t.Error("session span is nested under the wake request, want a root span")
		}
		var id string
		for _, a := range s.Attributes {
			if string(a.Key) == "session.id" {
				id = a.Value.AsString()
			}
		}
		if id != "sess-1" {
			t.Errorf("session.id = %q, want sess-1", id)
		}
	}
	if !found {
		t.Fatal("recorder.session span not recorded")
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("component", "recorder")

	ctx, span := StartSessionSpan(context.Background(), "sess-7")
	Logger(ctx, base).Info("recorder: utterance complete")
	span.End()

	line := buf.String()
	for _, want := range []string{"component=recorder", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %q: %s", want, line)
		}
	}

	buf.Reset()
	if l := Logger(context.Background(), base); l != base {
		t.Error("Logger without a span should return the base logger unchanged")
	}
}

func TestLogger_NilBaseUsesDefault(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background(), nil).Info("transport: connected")
	if !strings.Contains(buf.String(), "transport: connected") {
		t.Errorf("nil base did not log through slog.Default: %q", buf.String())
	}
}
