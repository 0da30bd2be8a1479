// Package failover maintains the set of provider endpoints with health state
// and priority, and selects which endpoint a retry sequence should hit next.
package failover

import (
	"fmt"
	"time"
)

// Health is the reachability classification of an endpoint.
type Health int

const (
	HealthUnknown   Health = iota // not probed yet
	HealthHealthy                 // recent probes succeed
	HealthDegraded                // some recent probes fail; still selectable
	HealthUnhealthy               // excluded from selection
)

// String returns a stable lowercase health name.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Endpoint is one provider endpoint. Health and LastChecked are owned by the
// Manager (updated through it by the prober); the rest is immutable after
// construction.
type Endpoint struct {
	ID       string
	URL      string
	Priority int // higher wins under the priority policy
	Timeout  time.Duration

	health      Health
	lastChecked time.Time
}

// NewEndpoint creates an endpoint in unknown health.
func NewEndpoint(id, url string, priority int, timeout time.Duration) (*Endpoint, error) {
	if id == "" {
		return nil, fmt.Errorf("endpoint id is required")
	}
	if url == "" {
		return nil, fmt.Errorf("endpoint %q: url is required", id)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("endpoint %q: timeout must be positive, got %v", id, timeout)
	}
	return &Endpoint{ID: id, URL: url, Priority: priority, Timeout: timeout}, nil
}

// Available reports whether the endpoint may be selected. Everything except
// unhealthy qualifies; unknown endpoints get a chance so a cold start does
// not deadlock waiting for probes.
func (e *Endpoint) Available() bool {
	return e.health != HealthUnhealthy
}
