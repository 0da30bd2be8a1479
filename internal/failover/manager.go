package failover

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dskow/resilience-core/internal/metrics"
)

// Policy selects among available endpoints.
type Policy int

const (
	RoundRobin Policy = iota // cycle through available endpoints
	Priority                 // highest priority value wins, first match on ties
	Random                   // uniform among available
	Sticky                   // first healthy endpoint, else first available
)

// String returns a stable lowercase policy name.
func (p Policy) String() string {
	switch p {
	case RoundRobin:
		return "round-robin"
	case Priority:
		return "priority"
	case Random:
		return "random"
	case Sticky:
		return "sticky"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "round-robin", "":
		return RoundRobin, nil
	case "priority":
		return Priority, nil
	case "random":
		return Random, nil
	case "sticky":
		return Sticky, nil
	default:
		return RoundRobin, fmt.Errorf("unknown failover policy %q (want round-robin, priority, random, or sticky)", s)
	}
}

// Manager owns the endpoint set and runs the selection policy. It is safe
// for concurrent use; selection and health updates are linearized by one
// lock, and the round-robin cursor is shared across all sequences.
type Manager struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	policy    Policy
	rrCursor  int

	retryDelay    time.Duration
	maxRetryDelay time.Duration

	logger *slog.Logger
}

// NewManager creates a Manager over the given endpoints. retryDelay and
// maxRetryDelay parameterize the failover backoff independently of the
// per-call retry strategy. Endpoint ids must be unique.
func NewManager(endpoints []*Endpoint, policy Policy, retryDelay, maxRetryDelay time.Duration, logger *slog.Logger) (*Manager, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("failover requires at least one endpoint")
	}
	if retryDelay <= 0 {
		return nil, fmt.Errorf("failover retry_delay must be positive, got %v", retryDelay)
	}
	if maxRetryDelay < retryDelay {
		return nil, fmt.Errorf("failover max_retry_delay (%v) must be >= retry_delay (%v)", maxRetryDelay, retryDelay)
	}
	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		if seen[ep.ID] {
			return nil, fmt.Errorf("duplicate endpoint id %q", ep.ID)
		}
		seen[ep.ID] = true
	}
	return &Manager{
		endpoints:     endpoints,
		policy:        policy,
		retryDelay:    retryDelay,
		maxRetryDelay: maxRetryDelay,
		logger:        logger,
	}, nil
}

// SelectEndpoint picks the next endpoint for the sequence described by fctx,
// or nil when nothing qualifies (every endpoint tried or unhealthy). A nil
// result is structural unavailability — callers must stop, not retry.
// Endpoints already tried within fctx are never reselected.
func (m *Manager) SelectEndpoint(fctx *Context) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avail []*Endpoint
	for _, ep := range m.endpoints {
		if ep.Available() && !fctx.Tried(ep.ID) {
			avail = append(avail, ep)
		}
	}
	if len(avail) == 0 {
		return nil
	}

	var chosen *Endpoint
	switch m.policy {
	case Priority:
		chosen = avail[0]
		for _, ep := range avail[1:] {
			if ep.Priority > chosen.Priority {
				chosen = ep
			}
		}
	case Random:
		chosen = avail[rand.IntN(len(avail))]
	case Sticky:
		for _, ep := range avail {
			if ep.health == HealthHealthy {
				chosen = ep
				break
			}
		}
		if chosen == nil {
			chosen = avail[0]
		}
	default: // RoundRobin
		chosen = avail[m.rrCursor%len(avail)]
		m.rrCursor++
	}

	if fctx.TriedCount() > 0 {
		metrics.FailoverSwitches.WithLabelValues(m.policy.String()).Inc()
		m.logger.Info("failing over to alternate endpoint",
			"endpoint", chosen.ID,
			"attempt", fctx.Attempt+1,
			"tried", fctx.TriedCount(),
		)
	}
	return chosen
}

// RetryDelay computes the exponential failover delay before the given
// 1-indexed attempt, doubling from retryDelay and capped at maxRetryDelay.
func (m *Manager) RetryDelay(attempt uint32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(m.retryDelay) * math.Pow(2, float64(attempt-1))
	if f > float64(m.maxRetryDelay) {
		return m.maxRetryDelay
	}
	return time.Duration(f)
}

// SetHealth updates an endpoint's health. Called by the prober; unknown ids
// are ignored.
func (m *Manager) SetHealth(id string, h Health) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ep := range m.endpoints {
		if ep.ID != id {
			continue
		}
		if ep.health != h {
			m.logger.Info("endpoint health change",
				"endpoint", id,
				"from", ep.health.String(),
				"to", h.String(),
			)
		}
		ep.health = h
		ep.lastChecked = time.Now()
		metrics.EndpointHealth.WithLabelValues(id).Set(float64(h))
		return
	}
}

// HealthOf returns the current health of an endpoint id.
func (m *Manager) HealthOf(id string) Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range m.endpoints {
		if ep.ID == id {
			return ep.health
		}
	}
	return HealthUnknown
}

// EndpointStatus is a read-only view of one endpoint for health reporting.
type EndpointStatus struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Health      string    `json:"health"`
	LastChecked time.Time `json:"last_checked"`
}

// Status returns a snapshot of every endpoint's health.
func (m *Manager) Status() []EndpointStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EndpointStatus, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, EndpointStatus{
			ID:          ep.ID,
			URL:         ep.URL,
			Health:      ep.health.String(),
			LastChecked: ep.lastChecked,
		})
	}
	return out
}

// Endpoints returns the managed endpoints. The slice is a copy; the
// endpoints themselves are shared.
func (m *Manager) Endpoints() []*Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Endpoint, len(m.endpoints))
	copy(out, m.endpoints)
	return out
}
