// Package ratelimit paces outbound provider calls with per-endpoint token
// buckets so the proxy stays under provider rate limits instead of eating
// 429 responses.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/resilience-core/internal/metrics"
)

// Pacer holds one token bucket per endpoint id. Buckets are created lazily
// on first use and share the configured rate and burst.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	logger   *slog.Logger
}

// New creates a Pacer allowing requestsPerSecond sustained calls with the
// given burst per endpoint.
func New(requestsPerSecond float64, burst int, logger *slog.Logger) *Pacer {
	return &Pacer{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
	}
}

// Wait blocks until the endpoint's bucket grants a token or ctx is done.
// The wait is cooperative; concurrent callers for other endpoints are not
// held up.
func (p *Pacer) Wait(ctx context.Context, endpointID string) error {
	lim := p.limiter(endpointID)

	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	waited := time.Since(start)
	metrics.RateLimitWaitSeconds.WithLabelValues(endpointID).Observe(waited.Seconds())
	if waited > 100*time.Millisecond {
		p.logger.Debug("outbound call paced", "endpoint", endpointID, "waited", waited)
	}
	return nil
}

// UpdateLimits applies new rate settings to current and future buckets
// (config hot reload).
func (p *Pacer) UpdateLimits(requestsPerSecond float64, burst int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rate = rate.Limit(requestsPerSecond)
	p.burst = burst
	for _, lim := range p.limiters {
		lim.SetLimit(p.rate)
		lim.SetBurst(burst)
	}
	p.logger.Info("outbound rate limits updated", "rps", requestsPerSecond, "burst", burst)
}

func (p *Pacer) limiter(endpointID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	lim, ok := p.limiters[endpointID]
	if !ok {
		lim = rate.NewLimiter(p.rate, p.burst)
		p.limiters[endpointID] = lim
	}
	return lim
}
