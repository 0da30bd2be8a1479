package failover

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/dskow/resilience-core/internal/circuitbreaker"
)

// Health scoring thresholds over the probe outcome window.
const (
	degradedRate  = 0.3 // failure rate at or above this marks Degraded
	unhealthyRate = 0.7 // failure rate at or above this marks Unhealthy
)

// Prober periodically TCP-dials every endpoint and scores its health from a
// sliding window of probe outcomes. One failed probe degrades nothing; the
// window has to fill with failures before an endpoint is taken out of
// rotation.
type Prober struct {
	manager    *Manager
	interval   time.Duration
	windowSize int
	logger     *slog.Logger

	mu      sync.Mutex
	windows map[string]*circuitbreaker.Window

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProber creates a Prober over the manager's endpoints. interval is the
// time between probe rounds; windowSize is how many recent probes per
// endpoint feed the health score.
func NewProber(manager *Manager, interval time.Duration, windowSize int, logger *slog.Logger) *Prober {
	return &Prober{
		manager:    manager,
		interval:   interval,
		windowSize: windowSize,
		logger:     logger,
		windows:    make(map[string]*circuitbreaker.Window),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the probe loop. Must be called at most once.
func (p *Prober) Start() {
	go p.loop()
}

// Stop terminates the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Prober) loop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Probe immediately on startup rather than waiting a full interval.
	p.probeAll()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Prober) probeAll() {
	endpoints := p.manager.Endpoints()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			ok := p.probe(ep)
			p.record(ep, ok)
		}(ep)
	}
	wg.Wait()
}

// probe TCP-dials the endpoint host. Reachability is all it checks; request
// level failures are the circuit breaker's department.
func (p *Prober) probe(ep *Endpoint) bool {
	u, err := url.Parse(ep.URL)
	if err != nil {
		p.logger.Warn("endpoint has invalid URL", "endpoint", ep.ID, "error", err)
		return false
	}

	host := u.Host
	if !hasPort(host) {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ep.Timeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
	if err != nil {
		p.logger.Warn("endpoint unreachable", "endpoint", ep.ID, "host", host, "error", err)
		return false
	}
	conn.Close()
	return true
}

// record feeds a probe outcome into the endpoint's window and pushes the
// resulting health to the manager.
func (p *Prober) record(ep *Endpoint, ok bool) {
	p.mu.Lock()
	w := p.windows[ep.ID]
	if w == nil {
		w = circuitbreaker.NewWindow(p.windowSize)
		p.windows[ep.ID] = w
	}
	w.Observe(!ok)
	rate := w.FailureRate()
	full := w.Full()
	p.mu.Unlock()

	p.manager.SetHealth(ep.ID, scoreHealth(rate, full, ok))
}

// scoreHealth maps a window failure rate to a health state. Until the
// window fills, only the latest outcome is trusted, and never past
// Degraded — a cold endpoint should not be condemned on thin evidence.
func scoreHealth(rate float64, windowFull, lastOK bool) Health {
	if !windowFull {
		if lastOK {
			return HealthHealthy
		}
		return HealthDegraded
	}
	switch {
	case rate >= unhealthyRate:
		return HealthUnhealthy
	case rate >= degradedRate:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
