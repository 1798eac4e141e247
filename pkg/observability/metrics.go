// Package observability provides Prometheus metrics, OpenTelemetry tracing
// and HTTP middleware for the finance analyzer sandbox service.
package observability

import "github.com/prometheus/client_golang/prometheus"

// SandboxBuckets covers sandbox latencies, from a cached reuse (tens of
// milliseconds) to a cold archive restore (minutes).
var SandboxBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	// RequestsTotal counts HTTP requests by method, status class and operation.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "operation"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyzer_request_duration_seconds",
			Help:    "Request duration",
			Buckets: SandboxBuckets,
		},
		[]string{"method", "operation"},
	)

	// SandboxAcquisitionsTotal counts finished acquisitions by outcome
	// (reused, resumed, created, failed).
	SandboxAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_sandbox_acquisitions_total",
			Help: "Sandbox acquisitions",
		},
		[]string{"provider", "outcome"},
	)

	// SandboxAcquireDuration records how long an acquisition took.
	SandboxAcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyzer_sandbox_acquire_duration_seconds",
			Help:    "Sandbox acquisition duration",
			Buckets: SandboxBuckets,
		},
		[]string{"provider", "outcome"},
	)

	// SandboxAcquisitionsInFlight tracks provider operations currently
	// running on behalf of acquisitions.
	SandboxAcquisitionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyzer_sandbox_acquisitions_in_flight",
			Help: "In-flight sandbox acquisitions",
		},
	)

	// SandboxAcquisitionsShared counts callers that received a result
	// shared with concurrent callers for the same key.
	SandboxAcquisitionsShared = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_sandbox_acquisitions_shared_total",
			Help: "Acquisitions served by a shared in-flight operation",
		},
		[]string{"provider"},
	)

	// SandboxSessionsCached is the number of session keys held in memory.
	SandboxSessionsCached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyzer_sandbox_sessions_cached",
			Help: "Cached sandbox sessions",
		},
	)

	// SandboxProviderCallsTotal counts calls to the sandbox provider.
	SandboxProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_sandbox_provider_calls_total",
			Help: "Sandbox provider calls",
		},
		[]string{"provider", "operation", "result"},
	)

	// SandboxProviderLatency records sandbox provider call latency.
	SandboxProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyzer_sandbox_provider_latency_seconds",
			Help:    "Sandbox provider latency",
			Buckets: SandboxBuckets,
		},
		[]string{"provider", "operation"},
	)

	// SandboxOperationsTotal counts code runs, commands and uploads.
	SandboxOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_sandbox_operations_total",
			Help: "Sandbox operations",
		},
		[]string{"operation", "status"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		SandboxAcquisitionsTotal,
		SandboxAcquireDuration,
		SandboxAcquisitionsInFlight,
		SandboxAcquisitionsShared,
		SandboxSessionsCached,
		SandboxProviderCallsTotal,
		SandboxProviderLatency,
		SandboxOperationsTotal,
		RateLimitRejectedTotal,
	)
}
