package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestMetricsRegistered verifies that all metrics are registered in the
// default registry.
func TestMetricsRegistered(t *testing.T) {
	RequestsTotal.WithLabelValues("GET", "2xx", "test").Inc()
	RequestDuration.WithLabelValues("GET", "test").Observe(0.1)
	SandboxAcquisitionsTotal.WithLabelValues("fake", "created").Inc()
	SandboxAcquireDuration.WithLabelValues("fake", "created").Observe(1)
	SandboxAcquisitionsShared.WithLabelValues("fake").Inc()
	SandboxProviderCallsTotal.WithLabelValues("fake", "find", "ok").Inc()
	SandboxProviderLatency.WithLabelValues("fake", "find").Observe(0.1)
	SandboxOperationsTotal.WithLabelValues("run_code", "ok").Inc()
	RateLimitRejectedTotal.WithLabelValues("default").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}

	expected := map[string]bool{
		"analyzer_requests_total":                    false,
		"analyzer_request_duration_seconds":          false,
		"analyzer_sandbox_acquisitions_total":        false,
		"analyzer_sandbox_acquire_duration_seconds":  false,
		"analyzer_sandbox_acquisitions_in_flight":    false,
		"analyzer_sandbox_acquisitions_shared_total": false,
		"analyzer_sandbox_sessions_cached":           false,
		"analyzer_sandbox_provider_calls_total":      false,
		"analyzer_sandbox_provider_latency_seconds":  false,
		"analyzer_sandbox_operations_total":          false,
		"analyzer_ratelimit_rejected_total":          false,
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not found in default registry", name)
		}
	}
}

func TestMiddlewareRecordsRequest(t *testing.T) {
	beforeCount := counterValue(t, RequestsTotal, "POST", "2xx", "acquire")
	beforeHist := histogramCount(t, RequestDuration, "POST", "acquire")

	handler := MetricsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/sessions/conv-1/acquire", nil))

	if d := counterValue(t, RequestsTotal, "POST", "2xx", "acquire") - beforeCount; d != 1 {
		t.Errorf("request count delta = %f, want 1", d)
	}
	if d := histogramCount(t, RequestDuration, "POST", "acquire") - beforeHist; d != 1 {
		t.Errorf("histogram sample delta = %d, want 1", d)
	}
}

func TestMiddlewareCapturesStatusCode(t *testing.T) {
	before := counterValue(t, RequestsTotal, "POST", "5xx", "run_code")

	handler := MetricsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/sessions/conv-1/code", nil))

	if d := counterValue(t, RequestsTotal, "POST", "5xx", "run_code") - before; d != 1 {
		t.Errorf("5xx count delta = %f, want 1", d)
	}
}

func TestMiddlewareStartsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	handler := MetricsMiddleware(tp.Tracer("test"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/sessions/conv-1/commands", nil))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "http.request" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	var op string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "analyzer.operation" {
			op = kv.Value.AsString()
		}
	}
	if op != "run_command" {
		t.Errorf("analyzer.operation = %q, want run_command", op)
	}
}

func TestOperation(t *testing.T) {
	tests := []struct {
		method, path, want string
	}{
		{"GET", "/healthz", "health"},
		{"GET", "/readyz", "health"},
		{"GET", "/metrics", "metrics"},
		{"GET", "/v1/sessions", "list_sessions"},
		{"GET", "/v1/sessions/conv-1", "get_session"},
		{"DELETE", "/v1/sessions/conv-1", "forget_session"},
		{"POST", "/v1/sessions/conv-1/acquire", "acquire"},
		{"POST", "/v1/sessions/conv-1/code", "run_code"},
		{"POST", "/v1/sessions/conv-1/commands", "run_command"},
		{"POST", "/v1/sessions/conv-1/files", "upload_files"},
		{"POST", "/v1/sessions/conv-1/unknown", "other"},
		{"GET", "/", "other"},
	}
	for _, tt := range tests {
		if got := Operation(tt.method, tt.path); got != tt.want {
			t.Errorf("Operation(%s, %s) = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestStatusWriterFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	sw.Flush()
	if !rec.Flushed {
		t.Error("expected underlying writer to be flushed")
	}
}

// counterValue reads the current value of a CounterVec for the given labels.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting counter metric: %v", err)
	}
	if err := c.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing counter metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

// histogramCount reads the observation count from a HistogramVec.
func histogramCount(t *testing.T, hv *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	obs, err := hv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting histogram metric: %v", err)
	}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing histogram metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}
