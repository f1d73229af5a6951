package registry

import (
	"testing"
	"time"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

func testCfg() breakerConfig {
	return breakerConfig{
		failureThreshold:   3,
		recoveryTimeout:    100 * time.Millisecond,
		maxRecoveryTimeout: time.Second,
		halfOpenMaxProbes:  1,
	}
}

func TestCircuitBreaker_ClosedByDefault(t *testing.T) {
	cb := newCircuitBreaker(testCfg())
	if cb.State() != pipeline.CircuitClosed {
		t.Fatal("expected closed state by default")
	}
	if !cb.Allow(time.Now()) {
		t.Fatal("expected allow in closed state")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := newCircuitBreaker(testCfg())
	now := time.Now()

	cb.RecordFailure(now)
	cb.RecordFailure(now)
	if cb.State() != pipeline.CircuitClosed {
		t.Fatal("should still be closed after 2 failures")
	}

	if tripped := cb.RecordFailure(now); !tripped {
		t.Fatal("the failure that crosses the threshold should report a fresh trip")
	}
	if cb.State() != pipeline.CircuitOpen {
		t.Fatal("should be open after 3 failures")
	}
	if cb.Allow(now) {
		t.Fatal("should not allow when open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newCircuitBreaker(testCfg())
	now := time.Now()

	cb.RecordFailure(now)
	cb.RecordFailure(now)
	cb.RecordSuccess()
	cb.RecordFailure(now)
	cb.RecordFailure(now)

	if cb.State() != pipeline.CircuitClosed {
		t.Fatal("should still be closed — success reset the failure count")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cfg := testCfg()
	cfg.failureThreshold = 2
	cb := newCircuitBreaker(cfg)
	now := time.Now()

	cb.RecordFailure(now)
	cb.RecordFailure(now)
	if cb.State() != pipeline.CircuitOpen {
		t.Fatal("should be open")
	}

	later := now.Add(150 * time.Millisecond)
	if !cb.Allow(later) {
		t.Fatal("should allow probe after recovery timeout")
	}
	if cb.State() != pipeline.CircuitHalfOpen {
		t.Fatal("should be half-open after recovery timeout")
	}
}

func TestCircuitBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	cfg := testCfg()
	cfg.failureThreshold = 2
	cfg.halfOpenMaxProbes = 1
	cb := newCircuitBreaker(cfg)
	now := time.Now()

	cb.RecordFailure(now)
	cb.RecordFailure(now)
	later := now.Add(150 * time.Millisecond)

	if !cb.Allow(later) {
		t.Fatal("first probe should be allowed")
	}
	if cb.Allow(later) {
		t.Fatal("second concurrent probe should be rejected while one is in flight")
	}
}

func TestCircuitBreaker_HalfOpenClosesOnSuccess(t *testing.T) {
	cfg := testCfg()
	cfg.failureThreshold = 2
	cb := newCircuitBreaker(cfg)
	now := time.Now()

	cb.RecordFailure(now)
	cb.RecordFailure(now)
	later := now.Add(150 * time.Millisecond)
	cb.Allow(later)

	cb.RecordSuccess()
	if cb.State() != pipeline.CircuitClosed {
		t.Fatal("should be closed after success in half-open")
	}
}

func TestCircuitBreaker_HalfOpenReopensWithExtendedBackoff(t *testing.T) {
	cfg := testCfg()
	cfg.failureThreshold = 2
	cb := newCircuitBreaker(cfg)
	now := time.Now()

	cb.RecordFailure(now)
	cb.RecordFailure(now)
	firstOpenUntil := cb.Snapshot().OpenUntil
	if got := firstOpenUntil.Sub(now); got != cfg.recoveryTimeout {
		t.Fatalf("first openUntil = %v after trip, want recoveryTimeout %v", got, cfg.recoveryTimeout)
	}

	later := now.Add(150 * time.Millisecond)
	cb.Allow(later)
	cb.RecordFailure(later)

	if cb.State() != pipeline.CircuitOpen {
		t.Fatal("should re-open after failure in half-open")
	}
	snap := cb.Snapshot()
	wantTimeout := cfg.recoveryTimeout * 2
	if got := snap.OpenUntil.Sub(later); got != wantTimeout {
		t.Fatalf("backoff after half-open failure = %v, want doubled recoveryTimeout %v", got, wantTimeout)
	}
}

func TestCircuitBreaker_BackoffBoundedByCeiling(t *testing.T) {
	cfg := testCfg()
	cfg.failureThreshold = 1
	cfg.recoveryTimeout = 100 * time.Millisecond
	cfg.maxRecoveryTimeout = 250 * time.Millisecond
	cb := newCircuitBreaker(cfg)
	now := time.Now()

	// Repeatedly trip and probe to force the backoff to double past the ceiling.
	for i := 0; i < 5; i++ {
		cb.RecordFailure(now)
		now = cb.Snapshot().OpenUntil
		cb.Allow(now)
		cb.RecordFailure(now)
	}
	snap := cb.Snapshot()
	if snap.OpenUntil.Sub(now) > cfg.maxRecoveryTimeout {
		t.Fatalf("backoff exceeded ceiling: %v > %v", snap.OpenUntil.Sub(now), cfg.maxRecoveryTimeout)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newCircuitBreaker(testCfg())
	now := time.Now()

	cb.RecordFailure(now)
	cb.RecordFailure(now)
	cb.RecordFailure(now)
	if cb.State() != pipeline.CircuitOpen {
		t.Fatal("should be open")
	}

	cb.Reset()
	if cb.State() != pipeline.CircuitClosed {
		t.Fatal("should be closed after reset")
	}
	if !cb.Allow(now) {
		t.Fatal("should allow after reset")
	}
}
