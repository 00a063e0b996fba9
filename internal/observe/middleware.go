package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// otherRoute labels requests outside the configured route set.
const otherRoute = "other"

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	routes map[string]bool // nil: every path is its own label
	quiet  map[string]bool
}

// WithRoutes limits the path label to the given paths. Anything else is
// recorded as "other".
func WithRoutes(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.routes = make(map[string]bool, len(paths))
		for _, p := range paths {
			c.routes[p] = true
		}
	}
}

// WithQuietPaths logs requests for the given paths at debug level.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		for _, p := range paths {
			c.quiet[p] = true
		}
	}
}

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps the admin handler. Each request continues the caller's
// W3C trace context (or starts a trace), runs inside a server span, gets an
// X-Correlation-ID response header, and is recorded in
// [Metrics.HTTPRequestDuration] and the log.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{quiet: map[string]bool{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	prop := propagation.TraceContext{}

	route := func(path string) string {
		if cfg.routes == nil || cfg.routes[path] {
			return path
		}
		return otherRoute
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := route(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+path,
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
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			took := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, took.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", path),
					attribute.Int("status", rec.status),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))

			level := slog.LevelInfo
			if cfg.quiet[r.URL.Path] {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "admin request",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("took", took),
			)
		})
	}
}
