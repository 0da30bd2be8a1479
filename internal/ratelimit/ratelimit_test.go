package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dskow/resilience-core/internal/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

func TestWait_BurstPassesImmediately(t *testing.T) {
	p := New(1, 3, slog.Default())

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(context.Background(), "ep"); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("burst of 3 took %v, expected immediate", elapsed)
	}
}

func TestWait_PacesBeyondBurst(t *testing.T) {
	p := New(20, 1, slog.Default()) // 1 token per 50ms

	if err := p.Wait(context.Background(), "ep"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	start := time.Now()
	if err := p.Wait(context.Background(), "ep"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("second call waited %v, expected pacing near 50ms", elapsed)
	}
}

func TestWait_EndpointsAreIndependent(t *testing.T) {
	p := New(1, 1, slog.Default())

	if err := p.Wait(context.Background(), "a"); err != nil {
		t.Fatalf("Wait(a): %v", err)
	}
	// Endpoint b has its own bucket and must not be held up by a.
	start := time.Now()
	if err := p.Wait(context.Background(), "b"); err != nil {
		t.Fatalf("Wait(b): %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("independent endpoint waited %v", elapsed)
	}
}

func TestWait_CancelledContext(t *testing.T) {
	p := New(0.1, 1, slog.Default()) // one token per 10s

	if err := p.Wait(context.Background(), "ep"); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx, "ep"); err == nil {
		t.Error("expected error when context expires before a token is available")
	}
}

func TestUpdateLimits(t *testing.T) {
	p := New(0.1, 1, slog.Default())

	if err := p.Wait(context.Background(), "ep"); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// Raising the limits must apply to the existing bucket.
	p.UpdateLimits(1000, 100)
	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := p.Wait(context.Background(), "ep"); err != nil {
			t.Fatalf("Wait after update: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("10 calls after raising limits took %v", elapsed)
	}
}
