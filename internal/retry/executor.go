package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dskow/resilience-core/internal/llmerr"
	"github.com/dskow/resilience-core/internal/metrics"
)

// Gate is the circuit breaker surface the executor drives. The executor
// checks CanExecute before every attempt and records every outcome,
// independent of its own retry bookkeeping.
type Gate interface {
	CanExecute() bool
	AttemptRecovery() bool
	RecordSuccess()
	RecordFailure(err error)
}

// Operation is a single attempt of the guarded call. It must honor ctx.
type Operation[T any] func(ctx context.Context) (T, error)

// Executor orchestrates repeated invocation of an operation according to a
// Strategy, optionally gated by a circuit breaker. One Executor may be
// shared across goroutines; per-call attempt state lives on the stack.
type Executor struct {
	strategy Strategy
	gate     Gate // nil when no breaker guards the operation
	name     string
	logger   *slog.Logger
}

// NewExecutor creates an Executor. gate may be nil; name labels retry
// metrics and log lines (typically the endpoint or provider id).
func NewExecutor(strategy Strategy, gate Gate, name string, logger *slog.Logger) *Executor {
	return &Executor{strategy: strategy, gate: gate, name: name, logger: logger}
}

// Strategy returns the executor's retry strategy.
func (e *Executor) Strategy() Strategy { return e.strategy }

// Do runs op under ex's retry policy and breaker gate.
//
// Failure modes are kept distinct: llmerr.ErrCircuitOpen when the breaker
// rejects before any attempt, the last underlying error when attempts are
// exhausted or the error is not retryable, and the context error when the
// caller cancels mid-backoff. The final rejected attempt is never followed
// by a wasted delay.
func Do[T any](ctx context.Context, ex *Executor, op Operation[T]) (T, error) {
	var zero T

	for attempt := uint32(1); ; attempt++ {
		if ex.gate != nil && !ex.gate.CanExecute() {
			// Open circuit. A recovery probe is attempted explicitly here —
			// the breaker never moves to half-open on its own.
			if !ex.gate.AttemptRecovery() {
				return zero, llmerr.ErrCircuitOpen
			}
		}

		result, err := op(ctx)
		if err == nil {
			if ex.gate != nil {
				ex.gate.RecordSuccess()
			}
			return result, nil
		}
		if ex.gate != nil {
			ex.gate.RecordFailure(err)
		}

		if !ex.strategy.ShouldRetry(err, attempt) {
			// Not retryable or budget exhausted: fail fast with the real
			// cause, no synthetic wrapper and no final delay.
			return zero, err
		}

		delay := ex.strategy.DelayForError(err, attempt)
		metrics.RetryTotal.WithLabelValues(ex.name, errKind(err)).Inc()
		ex.logger.Warn("retrying operation",
			"name", ex.name,
			"attempt", attempt,
			"max_attempts", ex.strategy.Config.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// sleep waits for d or until ctx is done, whichever comes first. The wait is
// cooperative; no goroutine is blocked beyond this call chain.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errKind(err error) string {
	var e *llmerr.Error
	if errors.As(err, &e) {
		return e.Kind.String()
	}
	return "unknown"
}
