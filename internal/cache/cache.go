// Package cache provides an optional response cache for deterministic
// provider calls, keyed by a digest of the request. Two backends exist: an
// in-process TTL store and a Redis store for sharing across proxy replicas.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/dskow/resilience-core/internal/metrics"
)

// Store is the cache backend interface. Get returns (nil, false, nil) on a
// miss; errors are reserved for backend failures.
type Store interface {
	// Name identifies the backend in metrics ("memory", "redis").
	Name() string

	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Key derives a cache key from the request path and body. Identical requests
// hash identically; the path keeps different API surfaces apart.
func Key(path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return "llmproxy:resp:" + hex.EncodeToString(h.Sum(nil))
}

// Lookup wraps Store.Get with hit/miss metrics. Backend errors are reported
// as misses to the caller; a broken cache must never fail a request.
func Lookup(ctx context.Context, s Store, key string) ([]byte, bool) {
	val, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		metrics.CacheMisses.WithLabelValues(s.Name()).Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues(s.Name()).Inc()
	return val, true
}
