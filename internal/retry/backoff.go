package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/dskow/resilience-core/internal/llmerr"
)

// jitterFloor bounds a jittered delay from below so a retry never fires
// immediately even with a tiny base delay.
const jitterFloor = time.Millisecond

// Delay computes the backoff delay before the given 1-indexed attempt.
// The result is always in (0, MaxDelay]. Deterministic unless jitter is
// enabled, in which case the computed value is perturbed uniformly within
// ±10%.
func (s Strategy) Delay(attempt uint32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	cfg := s.Config

	var d time.Duration
	switch s.Type {
	case LinearBackoff:
		d = time.Duration(int64(cfg.BaseDelay) * int64(attempt))
		if d > cfg.MaxDelay || d < 0 { // negative on int64 overflow
			d = cfg.MaxDelay
		}
	case FixedDelay:
		d = cfg.BaseDelay
	default: // ExponentialBackoff
		f := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
		if f > float64(cfg.MaxDelay) {
			d = cfg.MaxDelay
		} else {
			d = time.Duration(f)
		}
	}

	if cfg.JitterEnabled {
		d = jitter(d)
		if d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
	}
	return d
}

// DelayForError computes the delay before the given attempt, honoring a
// provider-supplied retry-after hint carried by the error: the returned
// delay is never shorter than the hint.
func (s Strategy) DelayForError(err error, attempt uint32) time.Duration {
	d := s.Delay(attempt)
	if hint, ok := llmerr.RetryAfterHint(err); ok && hint > d {
		return hint
	}
	return d
}

// ShouldRetry combines error eligibility with the attempt budget: terminal
// error categories (auth, validation, cancellation, structural rejections)
// are never retried, and no error is retried once attempt reaches
// MaxAttempts.
func (s Strategy) ShouldRetry(err error, attempt uint32) bool {
	if attempt >= s.Config.MaxAttempts {
		return false
	}
	return llmerr.Retryable(err)
}

// jitter perturbs d uniformly within ±10%, bounded below by jitterFloor.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return jitterFloor
	}
	// Uniform in [0.9d, 1.1d).
	span := float64(d) * 0.2
	j := time.Duration(float64(d)*0.9 + rand.Float64()*span)
	if j < jitterFloor {
		j = jitterFloor
	}
	return j
}
