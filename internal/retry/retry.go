// Package retry provides the retry strategy engine: backoff calculation
// (exponential, linear, fixed, with optional jitter and provider retry-after
// hints) and an executor that drives repeated attempts of an operation,
// optionally gated by a circuit breaker.
package retry

import (
	"fmt"
	"time"
)

// StrategyType selects the delay growth curve between attempts.
type StrategyType int

const (
	ExponentialBackoff StrategyType = iota
	LinearBackoff
	FixedDelay
)

// String returns a stable lowercase strategy name used in logs and config.
func (s StrategyType) String() string {
	switch s {
	case ExponentialBackoff:
		return "exponential"
	case LinearBackoff:
		return "linear"
	case FixedDelay:
		return "fixed"
	default:
		return "unknown"
	}
}

// ParseStrategyType maps a config string to a StrategyType.
func ParseStrategyType(s string) (StrategyType, error) {
	switch s {
	case "exponential", "":
		return ExponentialBackoff, nil
	case "linear":
		return LinearBackoff, nil
	case "fixed":
		return FixedDelay, nil
	default:
		return ExponentialBackoff, fmt.Errorf("unknown retry strategy %q (want exponential, linear, or fixed)", s)
	}
}

// Config holds retry timing settings. Setters return a modified copy;
// Validate is a separate pure check and nothing is ever silently clamped
// into validity.
type Config struct {
	MaxAttempts       uint32
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterEnabled     bool
}

// DefaultConfig returns production-reasonable retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
	}
}

// WithMaxAttempts returns a copy with the attempt budget replaced.
func (c Config) WithMaxAttempts(n uint32) Config {
	c.MaxAttempts = n
	return c
}

// WithBaseDelay returns a copy with the base delay replaced.
func (c Config) WithBaseDelay(d time.Duration) Config {
	c.BaseDelay = d
	return c
}

// WithMaxDelay returns a copy with the delay cap replaced.
func (c Config) WithMaxDelay(d time.Duration) Config {
	c.MaxDelay = d
	return c
}

// WithBackoffMultiplier returns a copy with the multiplier replaced.
func (c Config) WithBackoffMultiplier(m float64) Config {
	c.BackoffMultiplier = m
	return c
}

// WithJitter returns a copy with jitter toggled.
func (c Config) WithJitter(enabled bool) Config {
	c.JitterEnabled = enabled
	return c
}

// Validate checks all fields, naming the offending field in the error.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("retry base_delay must be positive, got %v", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("retry max_delay (%v) must be >= base_delay (%v)", c.MaxDelay, c.BaseDelay)
	}
	if c.BackoffMultiplier < 1.0 {
		return fmt.Errorf("retry backoff_multiplier must be >= 1.0, got %v", c.BackoffMultiplier)
	}
	return nil
}

// Strategy pairs a growth curve with its timing config.
type Strategy struct {
	Type   StrategyType
	Config Config
}

// NewStrategy validates the config and returns a Strategy.
func NewStrategy(t StrategyType, cfg Config) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return Strategy{}, err
	}
	return Strategy{Type: t, Config: cfg}, nil
}
