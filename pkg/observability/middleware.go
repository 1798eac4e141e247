package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware wraps an HTTP handler to record request metrics.
//
// It captures:
//   - analyzer_requests_total (counter): method, status class and operation labels
//   - analyzer_request_duration_seconds (histogram): method and operation labels
//
// When tracer is non-nil every request also gets an "http.request" span.
func MetricsMiddleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			op := Operation(r.Method, r.URL.Path)

			var span trace.Span
			if tracer != nil {
				ctx, s := tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.path", r.URL.Path),
						attribute.String("analyzer.operation", op),
					))
				span = s
				defer span.End()
				r = r.WithContext(ctx)
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			duration := time.Since(start).Seconds()
			statusStr := strconv.Itoa(sw.status/100) + "xx"

			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", sw.status))
				if sw.status >= 500 {
					span.SetStatus(codes.Error, http.StatusText(sw.status))
				}
			}

			RequestsTotal.WithLabelValues(r.Method, statusStr, op).Inc()
			RequestDuration.WithLabelValues(r.Method, op).Observe(duration)
		})
	}
}

// Operation classifies a request path into a low-cardinality label.
// Session keys never reach a label.
func Operation(method, path string) string {
	p := strings.Trim(path, "/")
	switch {
	case p == "healthz" || p == "readyz":
		return "health"
	case p == "metrics":
		return "metrics"
	case p == "v1/sessions":
		return "list_sessions"
	case strings.HasPrefix(p, "v1/sessions/"):
		rest := strings.TrimPrefix(p, "v1/sessions/")
		i := strings.LastIndex(rest, "/")
		if i < 0 {
			if method == http.MethodDelete {
				return "forget_session"
			}
			return "get_session"
		}
		switch rest[i+1:] {
		case "acquire":
			return "acquire"
		case "code":
			return "run_code"
		case "commands":
			return "run_command"
		case "files":
			return "upload_files"
		}
	}
	return "other"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

// WriteHeader captures the status code and delegates to the underlying writer.
func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

// Write delegates to the underlying writer and marks the status as written.
func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// Flush delegates to the underlying writer if it implements http.Flusher.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
