// Package proxy implements the inbound request handler. Each request flows
// through the response cache, the outbound pacer, per-endpoint circuit
// breakers with retries, and endpoint failover before reaching a provider.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dskow/resilience-core/internal/cache"
	"github.com/dskow/resilience-core/internal/circuitbreaker"
	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/failover"
	"github.com/dskow/resilience-core/internal/llmerr"
	"github.com/dskow/resilience-core/internal/metrics"
	"github.com/dskow/resilience-core/internal/ratelimit"
	"github.com/dskow/resilience-core/internal/retry"
)

// statusClientClosedRequest is the nginx-style status for a caller that went
// away before a response was produced.
const statusClientClosedRequest = 499

type upstreamResult struct {
	status int
	header http.Header
	body   []byte
}

// Proxy forwards provider requests through the reliability layer. One Proxy
// serves all inbound traffic; per-request state lives on the stack.
type Proxy struct {
	manager *failover.Manager
	pacer   *ratelimit.Pacer
	store   cache.Store // nil when caching is disabled
	client  *http.Client
	logger  *slog.Logger

	// Reloadable settings. Breaker and bulkhead instances are fixed per
	// endpoint for the process lifetime; their configs update in place.
	mu        sync.RWMutex
	strategy  retry.Strategy
	breakers  map[string]*circuitbreaker.ConsecutiveBreaker
	bulkheads map[string]*circuitbreaker.Bulkhead
	cacheTTL  time.Duration
}

// New builds a Proxy from configuration. store may be nil to disable the
// response cache.
func New(cfg *config.Config, manager *failover.Manager, store cache.Store, logger *slog.Logger) (*Proxy, error) {
	strategy, err := cfg.Retry.RetryStrategy()
	if err != nil {
		return nil, err
	}

	breakers := make(map[string]*circuitbreaker.ConsecutiveBreaker, len(cfg.Endpoints))
	bulkheads := make(map[string]*circuitbreaker.Bulkhead, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		b, err := circuitbreaker.NewConsecutive(ep.ID, cfg.CircuitBreaker.Breaker(), logger)
		if err != nil {
			return nil, err
		}
		breakers[ep.ID] = b
		if cfg.CircuitBreaker.MaxConcurrent > 0 {
			bulkheads[ep.ID] = circuitbreaker.NewBulkhead(b, cfg.CircuitBreaker.MaxConcurrent, ep.ID)
		}
	}

	if !cfg.Cache.Enabled {
		store = nil
	}

	return &Proxy{
		manager: manager,
		pacer:   ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize, logger),
		store:   store,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:    logger,
		strategy:  strategy,
		breakers:  breakers,
		bulkheads: bulkheads,
		cacheTTL:  cfg.Cache.TTL,
	}, nil
}

// Breakers returns the per-endpoint circuit breakers for health reporting.
func (p *Proxy) Breakers() map[string]circuitbreaker.Breaker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]circuitbreaker.Breaker, len(p.breakers))
	for id, b := range p.breakers {
		out[id] = b
	}
	return out
}

// ApplyConfig applies a reloaded configuration to the running proxy. Breaker
// settings, the retry strategy, pacing limits, and the cache TTL take effect
// immediately; changes to the endpoint set require a restart.
func (p *Proxy) ApplyConfig(cfg *config.Config) {
	strategy, err := cfg.Retry.RetryStrategy()
	if err != nil {
		p.logger.Error("reload: invalid retry config, keeping current strategy", "error", err)
	}

	p.mu.Lock()
	if err == nil {
		p.strategy = strategy
	}
	for id, b := range p.breakers {
		if uerr := b.UpdateConfig(cfg.CircuitBreaker.Breaker()); uerr != nil {
			p.logger.Error("reload: invalid breaker config, keeping current", "breaker", id, "error", uerr)
		}
	}
	p.cacheTTL = cfg.Cache.TTL
	p.mu.Unlock()

	p.pacer.UpdateLimits(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		llmerr.WriteJSON(w, r, http.StatusBadRequest, llmerr.CodeInternalError, "failed to read request body")
		return
	}
	r.Body.Close()

	cacheable := p.store != nil && r.Method == http.MethodPost
	var key string
	if cacheable {
		key = cache.Key(r.URL.Path, body)
		if cached, ok := cache.Lookup(r.Context(), p.store, key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			w.Write(cached) //nolint:errcheck
			return
		}
	}

	result, err := p.execute(r.Context(), r, body)
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	if cacheable && result.status < 300 {
		p.mu.RLock()
		ttl := p.cacheTTL
		p.mu.RUnlock()
		if serr := p.store.Set(r.Context(), key, result.body, ttl); serr != nil {
			p.logger.Warn("caching response failed", "backend", p.store.Name(), "error", serr)
		}
	}

	copyHeaders(w.Header(), result.header)
	if cacheable {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(result.status)
	w.Write(result.body) //nolint:errcheck
}

// execute runs the failover loop: select an endpoint, run the gated retry
// sequence against it, and move on when the endpoint cannot serve. A nil
// selection before any attempt is structural unavailability.
func (p *Proxy) execute(ctx context.Context, r *http.Request, body []byte) (*upstreamResult, error) {
	p.mu.RLock()
	strategy := p.strategy
	p.mu.RUnlock()

	fctx := failover.NewContext()
	var lastErr error

	for {
		ep := p.manager.SelectEndpoint(fctx)
		if ep == nil {
			if lastErr == nil {
				return nil, llmerr.ErrNoEndpoints
			}
			return nil, lastErr
		}
		fctx = fctx.NextAttempt(ep)

		result, err := p.callEndpoint(ctx, ep, r, body, strategy)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if terminal(err) {
			return nil, err
		}

		if serr := sleep(ctx, p.manager.RetryDelay(fctx.Attempt)); serr != nil {
			return nil, llmerr.Wrap(llmerr.KindCancelled, "cancelled during failover delay", serr)
		}
	}
}

// callEndpoint runs the retry sequence for one endpoint, gated by its
// circuit breaker and capped by its bulkhead when configured.
func (p *Proxy) callEndpoint(ctx context.Context, ep *failover.Endpoint, r *http.Request, body []byte, strategy retry.Strategy) (*upstreamResult, error) {
	p.mu.RLock()
	breaker := p.breakers[ep.ID]
	bulkhead := p.bulkheads[ep.ID]
	p.mu.RUnlock()

	if bulkhead != nil {
		if !bulkhead.TryAcquire() {
			return nil, &llmerr.Error{
				Kind:     llmerr.KindRateLimit,
				Provider: ep.ID,
				Message:  "endpoint concurrency limit reached",
			}
		}
		defer bulkhead.Release()
	}

	var gate retry.Gate
	if breaker != nil {
		gate = breaker
	}
	ex := retry.NewExecutor(strategy, gate, ep.ID, p.logger)

	return retry.Do(ctx, ex, func(ctx context.Context) (*upstreamResult, error) {
		if err := p.pacer.Wait(ctx, ep.ID); err != nil {
			return nil, llmerr.Wrap(llmerr.KindCancelled, "cancelled while pacing", err)
		}
		return p.forward(ctx, ep, r, body)
	})
}

// forward performs one HTTP attempt against the endpoint with its configured
// timeout and classifies the outcome.
func (p *Proxy) forward(ctx context.Context, ep *failover.Endpoint, r *http.Request, body []byte) (*upstreamResult, error) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	target := strings.TrimSuffix(ep.URL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(cctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindValidation, "building upstream request", err)
	}
	copyHeaders(req.Header, r.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(ep.ID, "failure").Inc()
		return nil, classifyTransport(ctx, ep.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(ep.ID, "failure").Inc()
		return nil, &llmerr.Error{
			Kind:     llmerr.KindStream,
			Provider: ep.ID,
			Message:  "reading provider response",
			Err:      err,
		}
	}

	metrics.RequestDuration.WithLabelValues(ep.ID).Observe(time.Since(start).Seconds())

	if resp.StatusCode >= 400 {
		metrics.ProviderRequestsTotal.WithLabelValues(ep.ID, "failure").Inc()
		return nil, llmerr.FromStatus(ep.ID, resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	metrics.ProviderRequestsTotal.WithLabelValues(ep.ID, "success").Inc()
	return &upstreamResult{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
}

func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, llmerr.ErrNoEndpoints):
		llmerr.WriteJSON(w, r, http.StatusServiceUnavailable, llmerr.CodeNoEndpoints, "no available endpoints")
		return
	case errors.Is(err, llmerr.ErrCircuitOpen):
		llmerr.WriteJSON(w, r, http.StatusServiceUnavailable, llmerr.CodeCircuitOpen, "circuit breaker is open")
		return
	}

	var e *llmerr.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case llmerr.KindAuth, llmerr.KindValidation:
			// The provider's verdict stands; repeating the request cannot
			// change it. Pass the status through.
			status := e.StatusCode
			if status == 0 {
				status = http.StatusBadRequest
			}
			llmerr.WriteJSON(w, r, status, llmerr.CodeUpstreamError, e.Message)
		case llmerr.KindCancelled:
			llmerr.WriteJSON(w, r, statusClientClosedRequest, llmerr.CodeRequestCancelled, "request cancelled by client")
		case llmerr.KindRateLimit:
			llmerr.WriteJSON(w, r, http.StatusTooManyRequests, llmerr.CodeRateLimited, "provider rate limit exceeded, retry later")
		default:
			llmerr.WriteJSON(w, r, http.StatusBadGateway, llmerr.CodeRetriesExhausted, e.Error())
		}
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		llmerr.WriteJSON(w, r, statusClientClosedRequest, llmerr.CodeRequestCancelled, "request cancelled by client")
		return
	}
	llmerr.WriteJSON(w, r, http.StatusBadGateway, llmerr.CodeRetriesExhausted, err.Error())
}

// terminal reports whether the failover loop must stop instead of moving to
// another endpoint. An open breaker is endpoint-local and never terminal.
func terminal(err error) bool {
	if errors.Is(err, llmerr.ErrCircuitOpen) {
		return false
	}
	var e *llmerr.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case llmerr.KindAuth, llmerr.KindValidation, llmerr.KindCancelled:
			return true
		}
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func classifyTransport(parent context.Context, endpoint string, err error) error {
	if parent.Err() != nil {
		return &llmerr.Error{Kind: llmerr.KindCancelled, Provider: endpoint, Message: "request cancelled", Err: err}
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &llmerr.Error{Kind: llmerr.KindTimeout, Provider: endpoint, Message: "endpoint timeout exceeded", Err: err}
	}
	return &llmerr.Error{Kind: llmerr.KindNetwork, Provider: endpoint, Message: "endpoint unreachable", Err: err}
}

// parseRetryAfter handles both delay-seconds and HTTP-date forms.
func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// hopHeaders are connection-scoped and must not be forwarded.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
