package circuitbreaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/resilience-core/internal/llmerr"
	"github.com/dskow/resilience-core/internal/metrics"
)

// Config holds consecutive-count circuit breaker settings. Invalid configs
// are a caller error: Validate reports them, nothing is silently corrected.
type Config struct {
	// FailureThreshold is the number of consecutive failures in closed state
	// that trips the breaker open. Must be positive.
	FailureThreshold uint32

	// SuccessThreshold is the number of consecutive successes in half-open
	// state that closes the breaker. Must be positive.
	SuccessThreshold uint32

	// OpenTimeout is how long after the last failure the breaker stays open
	// before a recovery attempt is allowed. Must be positive.
	OpenTimeout time.Duration

	// HalfOpenTimeout bounds the probing window: if the breaker sits in
	// half-open longer than this without closing, it trips back open.
	// Zero disables the bound.
	HalfOpenTimeout time.Duration

	// WindowSize sizes the recent-outcome window kept for observability
	// (the RecentFailureRate field of Metrics). Must be positive.
	WindowSize int

	// Ignore flags exclude whole error categories from failure counting.
	// An ignored error updates no failure state regardless of status code
	// classification.
	IgnoreAuthErrors       bool
	IgnoreRateLimitErrors  bool
	IgnoreValidationErrors bool

	// Classify supplies the failure classification rules applied to errors
	// passed to RecordFailure. The zero value means "use the compatibility
	// default" (5xx and network errors count).
	Classify *ClassifyOptions
}

// DefaultConfig returns production-reasonable breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenTimeout:  60 * time.Second,
		WindowSize:       20,
	}
}

// Validate checks all fields, naming the offending field in the error.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure_threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("circuit breaker success_threshold must be positive, got %d", c.SuccessThreshold)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("circuit breaker open_timeout must be positive, got %v", c.OpenTimeout)
	}
	if c.HalfOpenTimeout < 0 {
		return fmt.Errorf("circuit breaker half_open_timeout must be non-negative, got %v", c.HalfOpenTimeout)
	}
	if c.WindowSize < 1 {
		return fmt.Errorf("circuit breaker window_size must be positive, got %d", c.WindowSize)
	}
	return nil
}

// Metrics is a point-in-time snapshot of a breaker's monotonic counters.
// Counters only grow; Reset is the single explicit exception.
type Metrics struct {
	TotalRequests     uint64  `json:"total_requests"`
	SuccessCount      uint64  `json:"success_count"`
	FailureCount      uint64  `json:"failure_count"`
	StateChanges      uint64  `json:"state_changes"`
	State             string  `json:"state"`
	RecentFailureRate float64 `json:"recent_failure_rate"`

	state State
}

// SuccessRate returns successes over total requests, defined as 1.0 when no
// requests have been recorded yet.
func (m Metrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 1.0
	}
	return float64(m.SuccessCount) / float64(m.TotalRequests)
}

// PrometheusText renders the snapshot in Prometheus text exposition format.
// Unlike the registry collectors in internal/metrics, this is self-contained
// and usable without a scrape endpoint. The state value encodes the actual
// state (closed=0, open=1, half-open=2); dashboards built against an exporter
// that always emitted 0 here need adjusting.
func (m Metrics) PrometheusText() string {
	return fmt.Sprintf(
		"circuit_breaker_requests_total %d\ncircuit_breaker_failures_total %d\ncircuit_breaker_state %d\ncircuit_breaker_success_rate %g\n",
		m.TotalRequests, m.FailureCount, int(m.state), m.SuccessRate(),
	)
}

// ConsecutiveBreaker is a three-state circuit breaker tripped by consecutive
// failures. One instance guards one downstream; it is safe to share across
// goroutines, and all copies of the pointer observe the same state.
//
// A success while closed deliberately does not reset the consecutive failure
// count: only a state transition resets counters. Most breakers reset on any
// success; this one trips after FailureThreshold total failures since the
// last transition, which makes it more aggressive under mixed traffic. The
// behavior is part of the contract, not an oversight.
type ConsecutiveBreaker struct {
	mu sync.Mutex

	name   string
	cfg    Config
	logger *slog.Logger

	state           State
	failureCount    uint32
	successCount    uint32
	lastFailureTime time.Time // zero until the first failure
	lastStateChange time.Time
	recent          *Window

	totalRequests uint64
	successTotal  uint64
	failureTotal  uint64
	stateChanges  uint64
}

// NewConsecutive creates a breaker with the given name (used in logs and
// metric labels). The config is validated; an invalid config is an error,
// never silently corrected.
func NewConsecutive(name string, cfg Config, logger *slog.Logger) (*ConsecutiveBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConsecutiveBreaker{
		name:            name,
		cfg:             cfg,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
		recent:          NewWindow(cfg.WindowSize),
	}, nil
}

// CanExecute reports whether a call may proceed: true in closed and
// half-open, false in open. When the half-open probing window has expired
// without closing, the breaker trips back open first.
func (b *ConsecutiveBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.cfg.HalfOpenTimeout > 0 && time.Since(b.lastStateChange) >= b.cfg.HalfOpenTimeout {
			b.transitionTo(StateOpen)
			return false
		}
		return true
	case StateOpen:
		metrics.CircuitBreakerRejections.WithLabelValues(b.name).Inc()
		return false
	default:
		return true
	}
}

// CanAttemptRecovery reports whether enough time has passed since the last
// failure for a recovery probe. Only meaningful while open.
func (b *ConsecutiveBreaker) CanAttemptRecovery() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canAttemptRecoveryLocked()
}

func (b *ConsecutiveBreaker) canAttemptRecoveryLocked() bool {
	if b.state != StateOpen {
		return false
	}
	since := b.lastFailureTime
	if since.IsZero() {
		since = b.lastStateChange
	}
	return time.Since(since) >= b.cfg.OpenTimeout
}

// AttemptRecovery transitions open → half-open when the open timeout has
// elapsed. Invoked explicitly by the retry executor, never by a timer.
// Returns true if the breaker is now probing.
func (b *ConsecutiveBreaker) AttemptRecovery() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		return true
	}
	if !b.canAttemptRecoveryLocked() {
		return false
	}
	b.transitionTo(StateHalfOpen)
	return true
}

// RecordSuccess records a successful call. Never returns an error; this is
// an observability call, the execution decision was made by CanExecute.
func (b *ConsecutiveBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.successTotal++
	b.recent.Observe(false)

	switch b.state {
	case StateClosed:
		// Informational only. failureCount is NOT reset here; see the type
		// comment for the contract.
		b.successCount++
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed call. Errors in ignored categories count
// toward total requests but never against the breaker. Errors the configured
// classification rules deem non-failures are treated the same way.
func (b *ConsecutiveBreaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	if b.ignored(err) || !b.classifiedFailure(err) {
		return
	}

	b.failureTotal++
	b.lastFailureTime = time.Now()
	b.recent.Observe(true)

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// A single failure while probing is enough; no threshold.
		b.transitionTo(StateOpen)
		b.failureCount = 1
	}
}

func (b *ConsecutiveBreaker) ignored(err error) bool {
	switch {
	case b.cfg.IgnoreAuthErrors && llmerr.IsAuth(err):
		return true
	case b.cfg.IgnoreRateLimitErrors && llmerr.IsRateLimit(err):
		return true
	case b.cfg.IgnoreValidationErrors && llmerr.IsValidation(err):
		return true
	}
	return false
}

func (b *ConsecutiveBreaker) classifiedFailure(err error) bool {
	if b.cfg.Classify == nil {
		return IsFailureDefault(err)
	}
	return IsFailure(err, *b.cfg.Classify)
}

// State returns the current circuit breaker state.
func (b *ConsecutiveBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot of the breaker's counters.
func (b *ConsecutiveBreaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		TotalRequests:     b.totalRequests,
		SuccessCount:      b.successTotal,
		FailureCount:      b.failureTotal,
		StateChanges:      b.stateChanges,
		State:             b.state.String(),
		RecentFailureRate: b.recent.FailureRate(),
		state:             b.state,
	}
}

// Reset force-transitions to closed and zeroes counters and metrics.
func (b *ConsecutiveBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.lastFailureTime = time.Time{}
	b.recent.Reset()
	b.totalRequests = 0
	b.successTotal = 0
	b.failureTotal = 0
	b.stateChanges = 0
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(StateClosed))
}

// UpdateConfig swaps in new settings at runtime (config hot reload). The
// current state and counters are preserved; the observability window is
// resized only when its size changed. The new config must be valid.
func (b *ConsecutiveBreaker) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if cfg.WindowSize != b.cfg.WindowSize {
		b.recent = NewWindow(cfg.WindowSize)
	}
	b.cfg = cfg
	return nil
}

// transitionTo changes the breaker state, emitting metrics and logging, and
// resets the consecutive counters. Must be called with b.mu held.
func (b *ConsecutiveBreaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState
	b.lastStateChange = time.Now()
	b.stateChanges++
	b.failureCount = 0
	b.successCount = 0

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"breaker", b.name,
		"from", from.String(),
		"to", newState.String(),
	)
}
