package otelobs

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"aegis/pkg/structlog"
)

// HTTPTraceLogMiddleware emits one structured access line per request. When a
// span is active it adds trace_id/span_id to the line and mirrors them into
// Trace-Id/Span-Id response headers for correlation.
func HTTPTraceLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		sc := trace.SpanContextFromContext(r.Context())
		if sc.IsValid() {
			sr.Header().Set("Trace-Id", sc.TraceID().String())
			sr.Header().Set("Span-Id", sc.SpanID().String())
		}
		next.ServeHTTP(sr, r)

		fields := structlog.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": sr.status,
			"dur_ms": time.Since(start).Milliseconds(),
		}
		if sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
		structlog.Info("access", fields)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
