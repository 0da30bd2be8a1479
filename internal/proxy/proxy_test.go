package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/resilience-core/internal/cache"
	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/failover"
	"github.com/dskow/resilience-core/internal/metrics"
)

func init() {
	metrics.Init()
}

func boolPtr(b bool) *bool { return &b }

type epDef struct {
	id  string
	url string
}

// buildProxy assembles a proxy with fast test timings. mutate may adjust the
// config before construction.
func buildProxy(t *testing.T, eps []epDef, mutate func(*config.Config)) (*Proxy, *failover.Manager) {
	t.Helper()

	cfg := &config.Config{
		Retry: config.RetryConfig{
			Strategy:          "fixed",
			MaxAttempts:       1,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
			Jitter:            boolPtr(false),
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 100,
			SuccessThreshold: 1,
			OpenTimeout:      time.Minute,
			WindowSize:       10,
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 10000, BurstSize: 1000},
		Failover:  config.FailoverConfig{RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond},
	}
	for _, e := range eps {
		cfg.Endpoints = append(cfg.Endpoints, config.EndpointConfig{ID: e.id, URL: e.url, Timeout: time.Second})
	}
	if mutate != nil {
		mutate(cfg)
	}

	var fes []*failover.Endpoint
	for _, e := range cfg.Endpoints {
		ep, err := failover.NewEndpoint(e.ID, e.URL, e.Priority, e.Timeout)
		if err != nil {
			t.Fatalf("NewEndpoint(%s): %v", e.ID, err)
		}
		fes = append(fes, ep)
	}
	m, err := failover.NewManager(fes, failover.RoundRobin, cfg.Failover.RetryDelay, cfg.Failover.MaxRetryDelay, slog.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var store cache.Store
	if cfg.Cache.Enabled {
		mem := cache.NewMemory()
		t.Cleanup(func() { mem.Close() })
		store = mem
	}

	p, err := New(cfg, m, store, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, m
}

func post(p *Proxy, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/complete", strings.NewReader(body))
	p.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v (%q)", err, rec.Body.String())
	}
	code, _ := body["error_code"].(string)
	return code
}

func TestProxy_SuccessPassthrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"completion":"hi"}`))
	}))
	defer backend.Close()

	p, _ := buildProxy(t, []epDef{{"primary", backend.URL}}, nil)
	rec := post(p, `{"prompt":"hello"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"completion":"hi"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestProxy_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	p, _ := buildProxy(t, []epDef{{"primary", backend.URL}}, func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = 3
	})
	rec := post(p, "{}")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %q", rec.Code, rec.Body.String())
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend calls = %d, want 3", got)
	}
}

func TestProxy_FailsOverToSecondEndpoint(t *testing.T) {
	var primaryCalls atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from backup"))
	}))
	defer good.Close()

	p, _ := buildProxy(t, []epDef{{"primary", bad.URL}, {"backup", good.URL}}, nil)
	rec := post(p, "{}")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %q", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "from backup" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := primaryCalls.Load(); got != 1 {
		t.Errorf("primary calls = %d, want 1 (max_attempts 1)", got)
	}
}

func TestProxy_AuthErrorPassesThroughWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	p, _ := buildProxy(t, []epDef{{"a", backend.URL}, {"b", backend.URL}}, func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = 3
	})
	rec := post(p, "{}")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec); code != "RELIABILITY_UPSTREAM_ERROR" {
		t.Errorf("error_code = %q", code)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1 (auth errors are terminal)", got)
	}
}

func TestProxy_NoEndpointsWhenAllUnhealthy(t *testing.T) {
	p, m := buildProxy(t, []epDef{{"a", "http://a.invalid"}}, nil)
	m.SetHealth("a", failover.HealthUnhealthy)

	rec := post(p, "{}")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if code := errorCode(t, rec); code != "RELIABILITY_NO_ENDPOINTS" {
		t.Errorf("error_code = %q", code)
	}
}

func TestProxy_OpenBreakerRejects(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	p, _ := buildProxy(t, []epDef{{"a", backend.URL}}, func(cfg *config.Config) {
		cfg.CircuitBreaker.FailureThreshold = 1
	})

	// First request trips the breaker.
	if rec := post(p, "{}"); rec.Code != http.StatusBadGateway {
		t.Fatalf("first status = %d, want 502", rec.Code)
	}

	// Second request is rejected without reaching the backend.
	rec := post(p, "{}")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second status = %d, want 503", rec.Code)
	}
	if code := errorCode(t, rec); code != "RELIABILITY_CIRCUIT_OPEN" {
		t.Errorf("error_code = %q", code)
	}
}

func TestProxy_RetriesExhaustedIs502(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	p, _ := buildProxy(t, []epDef{{"a", backend.URL}}, nil)
	rec := post(p, "{}")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if code := errorCode(t, rec); code != "RELIABILITY_RETRIES_EXHAUSTED" {
		t.Errorf("error_code = %q", code)
	}
}

func TestProxy_CacheServesRepeatRequest(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"completion":"cached"}`))
	}))
	defer backend.Close()

	p, _ := buildProxy(t, []epDef{{"a", backend.URL}}, func(cfg *config.Config) {
		cfg.Cache.Enabled = true
		cfg.Cache.Backend = "memory"
		cfg.Cache.TTL = time.Minute
	})

	first := post(p, `{"prompt":"same"}`)
	if first.Code != http.StatusOK || first.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("first: status %d, X-Cache %q", first.Code, first.Header().Get("X-Cache"))
	}

	second := post(p, `{"prompt":"same"}`)
	if second.Code != http.StatusOK || second.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("second: status %d, X-Cache %q", second.Code, second.Header().Get("X-Cache"))
	}
	if second.Body.String() != `{"completion":"cached"}` {
		t.Errorf("cached body = %q", second.Body.String())
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}

	// A different prompt is its own cache entry.
	post(p, `{"prompt":"other"}`)
	if got := calls.Load(); got != 2 {
		t.Errorf("backend calls = %d, want 2 after distinct prompt", got)
	}
}

func TestProxy_ClientCancellation(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	p, _ := buildProxy(t, []epDef{{"a", backend.URL}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/complete", strings.NewReader("{}")).WithContext(ctx)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != statusClientClosedRequest {
		t.Fatalf("status = %d, want 499", rec.Code)
	}
	if code := errorCode(t, rec); code != "RELIABILITY_REQUEST_CANCELLED" {
		t.Errorf("error_code = %q", code)
	}
}

func TestProxy_RateLimitedUpstreamIs429(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer backend.Close()

	p, _ := buildProxy(t, []epDef{{"a", backend.URL}}, nil)
	rec := post(p, "{}")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if code := errorCode(t, rec); code != "RELIABILITY_RATE_LIMITED" {
		t.Errorf("error_code = %q", code)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("30"); got != 30*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := parseRetryAfter("-5"); got != 0 {
		t.Errorf("negative = %v", got)
	}
	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > 10*time.Second {
		t.Errorf("http-date form = %v", got)
	}
}

func TestProxy_ApplyConfigUpdatesBreakers(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	p, _ := buildProxy(t, []epDef{{"a", backend.URL}}, nil)

	// Threshold drops to 1 on reload; a single failure then opens the breaker.
	cfg := &config.Config{
		Retry: config.RetryConfig{
			Strategy: "fixed", MaxAttempts: 1, BaseDelay: time.Millisecond,
			MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2, Jitter: boolPtr(false),
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Minute, WindowSize: 10,
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 10000, BurstSize: 1000},
	}
	p.ApplyConfig(cfg)

	post(p, "{}") // trips
	rec := post(p, "{}")
	if code := errorCode(t, rec); code != "RELIABILITY_CIRCUIT_OPEN" {
		t.Errorf("error_code = %q, want circuit open after reloaded threshold", code)
	}
}
