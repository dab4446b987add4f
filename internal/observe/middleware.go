package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern claimed, so unknown paths
// cannot grow the metric label set.
const unmatchedRoute = "unmatched"

// DefaultQuietRoutes are polled continuously by orchestrators, scrapers and the
// wake engine. Their completions log at debug level.
var DefaultQuietRoutes = []string{
	"GET /healthz",
	"GET /readyz",
	"GET /metrics",
	"GET /wake/status",
	"GET /state",
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithRequestLogger sets the logger for request completions. Default:
// [slog.Default].
func WithRequestLogger(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) {
		if l != nil {
			mw.log = l
		}
	}
}

// WithQuietRoutes replaces [DefaultQuietRoutes]. Routes are mux patterns
// such as "GET /state".
func WithQuietRoutes(routes ...string) MiddlewareOption {
	return func(mw *middleware) {
		mw.quiet = make(map[string]bool, len(routes))
		for _, r := range routes {
			mw.quiet[r] = true
		}
	}
}

type middleware struct {
	metrics *Metrics
	log     *slog.Logger
	quiet   map[string]bool
	prop    propagation.TextMapPropagator
}

// Middleware instruments the engine's HTTP surface. It must wrap the
// [http.ServeMux] directly: requests are labelled by the pattern the mux
// matched (e.g. "POST /wake"), never by the raw path.
//
// Each request continues an incoming W3C trace context, runs in a server
// span, and answers with an X-Correlation-ID header carrying the trace id.
// Its duration lands in [Metrics.HTTPRequestDuration].
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{
		metrics: m,
		log:     slog.Default(),
		prop:    propagation.TraceContext{},
	}
	WithQuietRoutes(DefaultQuietRoutes...)(mw)
	for _, o := range opts {
		o(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		// The mux records the matched pattern on the request it was given.
		route := r.Pattern
		if route == "" {
			route = unmatchedRoute
		}
		span.SetName(route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(rec.status),
		)

		elapsed := time.Since(start)
		mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("route", route),
				attribute.Int("status", rec.status),
			),
		)

		level := slog.LevelInfo
		switch {
		case rec.status >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case mw.quiet[route]:
			level = slog.LevelDebug
		}
		Logger(ctx, mw.log).LogAttrs(ctx, level, "http: request completed",
			slog.String("route", route),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", elapsed),
		)
	})
}
