package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorsAreGatherable(t *testing.T) {
	// Use a custom registry to avoid duplicate-registration conflicts with
	// the default-registry test below.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
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

	ProviderRequestsTotal.WithLabelValues("primary", "success").Inc()
	RequestDuration.WithLabelValues("primary").Observe(0.123)
	RetryTotal.WithLabelValues("primary", "server").Inc()
	CircuitBreakerState.WithLabelValues("primary").Set(1)
	CircuitBreakerStateChanges.WithLabelValues("primary", "closed", "open").Inc()
	FailoverSwitches.WithLabelValues("round-robin").Inc()
	EndpointHealth.WithLabelValues("primary").Set(3)

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather: %v", err)
	}
}

func TestHandler_ReturnsPrometheusFormat(t *testing.T) {
	Init()
	ProviderRequestsTotal.WithLabelValues("test", "success").Inc()
	CircuitBreakerRejections.WithLabelValues("test").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"llmproxy_provider_requests_total",
		"llmproxy_circuit_breaker_rejections_total",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
