package circuitbreaker

import (
	"github.com/dskow/resilience-core/internal/metrics"
)

// Bulkhead limits the number of concurrent in-flight calls guarded by an
// inner Breaker. It rejects without blocking when the cap is reached,
// preventing goroutine pileups when a provider slows down.
type Bulkhead struct {
	inner Breaker
	sem   chan struct{}
	name  string
}

// NewBulkhead wraps inner with a concurrency cap of maxConcurrent.
func NewBulkhead(inner Breaker, maxConcurrent int, name string) *Bulkhead {
	return &Bulkhead{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
		name:  name,
	}
}

// TryAcquire takes a concurrency slot without consulting the inner breaker.
// If it returns true, the caller MUST call Release when the call completes.
// Use this when the breaker is driven separately, e.g. by a retry executor
// that needs to attempt recovery probes on an open circuit.
func (b *Bulkhead) TryAcquire() bool {
	select {
	case b.sem <- struct{}{}:
		metrics.BulkheadInFlight.WithLabelValues(b.name).Set(float64(len(b.sem)))
		return true
	default:
		metrics.BulkheadRejections.WithLabelValues(b.name).Inc()
		return false
	}
}

// CanExecute tries to acquire a concurrency slot and then consults the inner
// breaker. If it returns true, the caller MUST call Release when the call
// completes.
func (b *Bulkhead) CanExecute() bool {
	if !b.TryAcquire() {
		return false
	}
	if !b.inner.CanExecute() {
		b.Release()
		return false
	}
	return true
}

// Release frees a concurrency slot. Must be called exactly once for every
// CanExecute that returned true.
func (b *Bulkhead) Release() {
	<-b.sem
	metrics.BulkheadInFlight.WithLabelValues(b.name).Set(float64(len(b.sem)))
}

func (b *Bulkhead) RecordSuccess() {
	b.inner.RecordSuccess()
}

func (b *Bulkhead) RecordFailure(err error) {
	b.inner.RecordFailure(err)
}

func (b *Bulkhead) State() State {
	return b.inner.State()
}

func (b *Bulkhead) Reset() {
	b.inner.Reset()
}
