package registry

import (
	"sync"
	"time"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// breakerConfig bounds the backoff and probe behavior of every CircuitBreaker
// built by the registry.
type breakerConfig struct {
	failureThreshold   int
	recoveryTimeout    time.Duration
	maxRecoveryTimeout time.Duration
	halfOpenMaxProbes  int
}

func defaultBreakerConfig() breakerConfig {
	return breakerConfig{
		failureThreshold:   5,
		recoveryTimeout:    30 * time.Second,
		maxRecoveryTimeout: 10 * time.Minute,
		halfOpenMaxProbes:  1,
	}
}

// circuitBreaker is a per-pipeline state machine. closed: requests
// flow, failures accumulate. open: all requests fail fast until openUntil.
// half_open: up to halfOpenMaxProbes concurrent probes are let through;
// the first success closes it, any failure re-opens with the backoff
// doubled, bounded by maxRecoveryTimeout.
type circuitBreaker struct {
	mu sync.Mutex

	cfg breakerConfig

	state               pipeline.CircuitState
	consecutiveFailures int
	openUntil           time.Time
	currentTimeout      time.Duration
	halfOpenInFlight    int
}

func newCircuitBreaker(cfg breakerConfig) *circuitBreaker {
	return &circuitBreaker{
		cfg:            cfg,
		state:          pipeline.CircuitClosed,
		currentTimeout: cfg.recoveryTimeout,
	}
}

// Allow reports whether a call may proceed, performing the read-then-CAS
// open -> half_open transition when openUntil has elapsed.
func (cb *circuitBreaker) Allow(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case pipeline.CircuitClosed:
		return true
	case pipeline.CircuitOpen:
		if !now.Before(cb.openUntil) {
			cb.state = pipeline.CircuitHalfOpen
			cb.halfOpenInFlight = 0
		} else {
			return false
		}
		fallthrough
	case pipeline.CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.halfOpenMaxProbes {
			return false
		}
		cb.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets all counters.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == pipeline.CircuitHalfOpen {
		cb.halfOpenInFlight--
	}
	cb.consecutiveFailures = 0
	cb.currentTimeout = cb.cfg.recoveryTimeout
	cb.state = pipeline.CircuitClosed
}

// RecordFailure folds a backend failure into the breaker, opening it (or
// re-opening it with extended backoff) when warranted. Reports whether this
// call tripped the breaker (closed/half_open -> open), for callers that want
// to count trips as a metric.
func (cb *circuitBreaker) RecordFailure(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == pipeline.CircuitHalfOpen {
		cb.halfOpenInFlight--
		return cb.openBreaker(now, true)
	}

	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.cfg.failureThreshold {
		return cb.openBreaker(now, false)
	}
	return false
}

// openBreaker transitions to open. extend is true when a half-open probe
// failed, in which case the backoff doubles up to maxRecoveryTimeout;
// otherwise (the failure threshold was reached, including by a failure
// recorded while already open) the backoff restarts at the base
// recoveryTimeout. Returns true the first time this
// trips the breaker from a non-open state.
func (cb *circuitBreaker) openBreaker(now time.Time, extend bool) bool {
	wasOpen := cb.state == pipeline.CircuitOpen
	if extend {
		cb.currentTimeout *= 2
		if cb.currentTimeout > cb.cfg.maxRecoveryTimeout {
			cb.currentTimeout = cb.cfg.maxRecoveryTimeout
		}
	} else {
		cb.currentTimeout = cb.cfg.recoveryTimeout
	}
	cb.state = pipeline.CircuitOpen
	cb.openUntil = now.Add(cb.currentTimeout)
	return !wasOpen
}

// State returns the current breaker state without mutating it.
func (cb *circuitBreaker) State() pipeline.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a read-only view for introspection endpoints.
func (cb *circuitBreaker) Snapshot() pipeline.BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return pipeline.BreakerSnapshot{
		State:               cb.state,
		OpenUntil:           cb.openUntil,
		HalfOpenProbes:      cb.halfOpenInFlight,
		ConsecutiveFailures: cb.consecutiveFailures,
	}
}

// Reset forces the breaker back to closed, e.g. for admin intervention or
// tests.
func (cb *circuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = pipeline.CircuitClosed
	cb.consecutiveFailures = 0
	cb.halfOpenInFlight = 0
	cb.currentTimeout = cb.cfg.recoveryTimeout
}
