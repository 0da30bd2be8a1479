// Package main is the entry point for the LLM reliability proxy. It loads
// configuration, assembles the endpoint set with health probing, circuit
// breaking, retries, and failover, starts the HTTP server, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dskow/resilience-core/internal/cache"
	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/failover"
	"github.com/dskow/resilience-core/internal/health"
	"github.com/dskow/resilience-core/internal/logging"
	"github.com/dskow/resilience-core/internal/metrics"
	"github.com/dskow/resilience-core/internal/middleware"
	"github.com/dskow/resilience-core/internal/proxy"
)

func main() {
	configPath := flag.String("config", "configs/llmproxy.yaml", "path to configuration file")
	flag.Parse()

	// Optional .env for local development; config ${VAR} substitution reads
	// from the process environment.
	godotenv.Load() //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"endpoints", len(cfg.Endpoints),
		"failover_policy", cfg.Failover.Policy,
		"retry_strategy", cfg.Retry.Strategy,
		"cache_enabled", cfg.Cache.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Endpoint set and failover manager
	policy, err := failover.ParsePolicy(cfg.Failover.Policy)
	if err != nil {
		logger.Error("invalid failover policy", "error", err)
		os.Exit(1)
	}
	endpoints := make([]*failover.Endpoint, 0, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		ep, err := failover.NewEndpoint(ec.ID, ec.URL, ec.Priority, ec.Timeout)
		if err != nil {
			logger.Error("invalid endpoint", "error", err)
			os.Exit(1)
		}
		endpoints = append(endpoints, ep)
	}
	manager, err := failover.NewManager(endpoints, policy, cfg.Failover.RetryDelay, cfg.Failover.MaxRetryDelay, logger)
	if err != nil {
		logger.Error("failed to create failover manager", "error", err)
		os.Exit(1)
	}

	prober := failover.NewProber(manager, cfg.Failover.ProbeInterval, cfg.Failover.ProbeWindow, logger)
	prober.Start()
	defer prober.Stop()

	// Response cache
	var store cache.Store
	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case "redis":
			rs, err := cache.NewRedis(context.Background(), cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB)
			if err != nil {
				logger.Error("failed to connect to redis cache", "error", err)
				os.Exit(1)
			}
			store = rs
		default:
			store = cache.NewMemory()
		}
		defer store.Close()
		logger.Info("response cache enabled", "backend", store.Name(), "ttl", cfg.Cache.TTL)
	}

	// The proxy owns breakers, retries, and pacing per endpoint
	p, err := proxy.New(cfg, manager, store, logger)
	if err != nil {
		logger.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	// Middleware stack: Recovery → RequestID → Logging → Proxy
	var handler http.Handler = p
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Probe and metrics endpoints bypass the middleware stack
	mux := http.NewServeMux()
	healthHandler := health.New(manager, p.Breakers(), logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	// Hot reload: breaker, retry, pacing, and cache TTL changes apply live
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		p.ApplyConfig(newCfg)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting llmproxy", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("llmproxy stopped gracefully")
}
