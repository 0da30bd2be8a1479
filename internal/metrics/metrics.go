// Package metrics provides Prometheus instrumentation for the reliability
// layer. All metric collectors are registered via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProviderRequestsTotal counts provider calls by endpoint and outcome
	// ("success", "failure", "rejected").
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_provider_requests_total",
			Help: "Total provider calls attempted",
		},
		[]string{"endpoint", "outcome"},
	)

	// RequestDuration observes provider call latency in seconds by endpoint.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmproxy_provider_request_duration_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// RetryTotal counts retry attempts by endpoint and error kind.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"endpoint", "kind"},
	)

	// CircuitBreakerState reports the current breaker state
	// (0 closed, 1 open, 2 half-open) by breaker name.
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmproxy_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	// CircuitBreakerStateChanges counts breaker transitions by name and edge.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// CircuitBreakerRejections counts calls rejected while the breaker is open.
	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_circuit_breaker_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	// FailoverSwitches counts endpoint switches within a retry sequence.
	FailoverSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_failover_switches_total",
			Help: "Total failover endpoint switches",
		},
		[]string{"policy"},
	)

	// EndpointHealth reports per-endpoint health
	// (0=unknown, 1=healthy, 2=degraded, 3=unhealthy).
	EndpointHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmproxy_endpoint_health",
			Help: "Endpoint health (0=unknown, 1=healthy, 2=degraded, 3=unhealthy)",
		},
		[]string{"endpoint"},
	)

	// CacheHits and CacheMisses count response cache lookups by backend
	// ("memory" or "redis").
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_cache_hits_total",
			Help: "Total response cache hits",
		},
		[]string{"backend"},
	)
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_cache_misses_total",
			Help: "Total response cache misses",
		},
		[]string{"backend"},
	)

	// RateLimitWaitSeconds observes time spent waiting on the outbound pacer.
	RateLimitWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmproxy_rate_limit_wait_seconds",
			Help:    "Time spent waiting for an outbound rate limit token",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// BulkheadInFlight tracks in-flight provider calls per breaker.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmproxy_bulkhead_in_flight",
			Help: "In-flight provider calls held by the bulkhead",
		},
		[]string{"breaker"},
	)

	// BulkheadRejections counts calls rejected at the concurrency cap.
	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmproxy_bulkhead_rejections_total",
			Help: "Total calls rejected by the bulkhead concurrency cap",
		},
		[]string{"breaker"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		ProviderRequestsTotal,
		RequestDuration,
		RetryTotal,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		CircuitBreakerRejections,
		FailoverSwitches,
		EndpointHealth,
		CacheHits,
		CacheMisses,
		RateLimitWaitSeconds,
		BulkheadInFlight,
		BulkheadRejections,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
