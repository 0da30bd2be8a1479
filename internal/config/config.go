// Package config provides YAML configuration loading with validation and
// environment variable substitution for the llmproxy.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dskow/resilience-core/internal/circuitbreaker"
	"github.com/dskow/resilience-core/internal/failover"
	"github.com/dskow/resilience-core/internal/retry"
)

// Config is the top-level llmproxy configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Endpoints      []EndpointConfig     `yaml:"endpoints" json:"endpoints"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Failover       FailoverConfig       `yaml:"failover" json:"failover"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	Format     string `yaml:"format" json:"format"`           // "console" or "json"; default: "console"
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// EndpointConfig defines one upstream provider endpoint.
type EndpointConfig struct {
	ID       string        `yaml:"id" json:"id"`
	URL      string        `yaml:"url" json:"url"`
	Priority int           `yaml:"priority" json:"priority"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// CircuitBreakerConfig holds breaker settings applied per endpoint.
type CircuitBreakerConfig struct {
	FailureThreshold       uint32        `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold       uint32        `yaml:"success_threshold" json:"success_threshold"`
	OpenTimeout            time.Duration `yaml:"open_timeout" json:"open_timeout"`
	HalfOpenTimeout        time.Duration `yaml:"half_open_timeout" json:"half_open_timeout"`
	WindowSize             int           `yaml:"window_size" json:"window_size"`
	IgnoreAuthErrors       bool          `yaml:"ignore_auth_errors" json:"ignore_auth_errors"`
	IgnoreRateLimitErrors  bool          `yaml:"ignore_rate_limit_errors" json:"ignore_rate_limit_errors"`
	IgnoreValidationErrors bool          `yaml:"ignore_validation_errors" json:"ignore_validation_errors"`
	MaxConcurrent          int           `yaml:"max_concurrent" json:"max_concurrent"`
}

// Breaker converts to the circuitbreaker package's config.
func (c CircuitBreakerConfig) Breaker() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:       c.FailureThreshold,
		SuccessThreshold:       c.SuccessThreshold,
		OpenTimeout:            c.OpenTimeout,
		HalfOpenTimeout:        c.HalfOpenTimeout,
		WindowSize:             c.WindowSize,
		IgnoreAuthErrors:       c.IgnoreAuthErrors,
		IgnoreRateLimitErrors:  c.IgnoreRateLimitErrors,
		IgnoreValidationErrors: c.IgnoreValidationErrors,
	}
}

// RetryConfig holds retry strategy settings.
type RetryConfig struct {
	Strategy          string        `yaml:"strategy" json:"strategy"` // "exponential", "linear", "fixed"; default: "exponential"
	MaxAttempts       uint32        `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	Jitter            *bool         `yaml:"jitter" json:"jitter"` // default: true
}

// RetryStrategy converts to the retry package's strategy.
func (c RetryConfig) RetryStrategy() (retry.Strategy, error) {
	typ, err := retry.ParseStrategyType(c.Strategy)
	if err != nil {
		return retry.Strategy{}, err
	}
	jitter := true
	if c.Jitter != nil {
		jitter = *c.Jitter
	}
	return retry.NewStrategy(typ, retry.Config{
		MaxAttempts:       c.MaxAttempts,
		BaseDelay:         c.BaseDelay,
		MaxDelay:          c.MaxDelay,
		BackoffMultiplier: c.BackoffMultiplier,
		JitterEnabled:     jitter,
	})
}

// FailoverConfig holds endpoint selection settings.
type FailoverConfig struct {
	Policy        string        `yaml:"policy" json:"policy"` // "round-robin", "priority", "random", "sticky"
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	ProbeWindow   int           `yaml:"probe_window" json:"probe_window"`
}

// RateLimitConfig holds outbound pacing settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Backend string        `yaml:"backend" json:"backend"` // "memory" or "redis"; default: "memory"
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
	Redis   RedisConfig   `yaml:"redis" json:"redis"`
}

// RedisConfig holds Redis connection settings for the cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Provider calls can legitimately take minutes.
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].Timeout == 0 {
			cfg.Endpoints[i].Timeout = 2 * time.Minute
		}
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 2
	}
	if cb.OpenTimeout == 0 {
		cb.OpenTimeout = 30 * time.Second
	}
	if cb.WindowSize == 0 {
		cb.WindowSize = 20
	}

	// Retry defaults
	rt := &cfg.Retry
	if rt.MaxAttempts == 0 {
		rt.MaxAttempts = 3
	}
	if rt.BaseDelay == 0 {
		rt.BaseDelay = time.Second
	}
	if rt.MaxDelay == 0 {
		rt.MaxDelay = 30 * time.Second
	}
	if rt.BackoffMultiplier == 0 {
		rt.BackoffMultiplier = 2.0
	}

	// Failover defaults
	fo := &cfg.Failover
	if fo.RetryDelay == 0 {
		fo.RetryDelay = 100 * time.Millisecond
	}
	if fo.MaxRetryDelay == 0 {
		fo.MaxRetryDelay = 5 * time.Second
	}
	if fo.ProbeInterval == 0 {
		fo.ProbeInterval = 15 * time.Second
	}
	if fo.ProbeWindow == 0 {
		fo.ProbeWindow = 5
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 50
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 25
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "console" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint must be configured")
	}
	seen := make(map[string]bool)
	for i, ep := range cfg.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("endpoints[%d].id is required", i)
		}
		if seen[ep.ID] {
			return fmt.Errorf("duplicate endpoint id: %s", ep.ID)
		}
		seen[ep.ID] = true
		if ep.URL == "" {
			return fmt.Errorf("endpoints[%d].url is required", i)
		}
		u, err := url.Parse(ep.URL)
		if err != nil {
			return fmt.Errorf("endpoints[%d].url: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("endpoints[%d].url: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("endpoints[%d].url: host is required", i)
		}
		if ep.Timeout <= 0 {
			return fmt.Errorf("endpoints[%d].timeout must be positive", i)
		}
	}

	// Component configs carry their own validation; surface their field
	// errors directly.
	if err := cfg.CircuitBreaker.Breaker().Validate(); err != nil {
		return err
	}
	if cfg.CircuitBreaker.MaxConcurrent < 0 {
		return fmt.Errorf("circuit_breaker.max_concurrent must be non-negative, got %d", cfg.CircuitBreaker.MaxConcurrent)
	}
	if _, err := cfg.Retry.RetryStrategy(); err != nil {
		return err
	}
	if _, err := failover.ParsePolicy(cfg.Failover.Policy); err != nil {
		return err
	}
	if cfg.Failover.RetryDelay <= 0 {
		return fmt.Errorf("failover.retry_delay must be positive, got %v", cfg.Failover.RetryDelay)
	}
	if cfg.Failover.MaxRetryDelay < cfg.Failover.RetryDelay {
		return fmt.Errorf("failover.max_retry_delay (%v) must be >= retry_delay (%v)", cfg.Failover.MaxRetryDelay, cfg.Failover.RetryDelay)
	}
	if cfg.Failover.ProbeInterval <= 0 {
		return fmt.Errorf("failover.probe_interval must be positive, got %v", cfg.Failover.ProbeInterval)
	}
	if cfg.Failover.ProbeWindow < 1 {
		return fmt.Errorf("failover.probe_window must be positive, got %d", cfg.Failover.ProbeWindow)
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case "memory":
		case "redis":
			if cfg.Cache.Redis.Addr == "" {
				return fmt.Errorf("cache.redis.addr is required when cache backend is redis")
			}
		default:
			return fmt.Errorf("cache.backend must be \"memory\" or \"redis\", got %q", cfg.Cache.Backend)
		}
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive, got %v", cfg.Cache.TTL)
		}
	}

	return nil
}
