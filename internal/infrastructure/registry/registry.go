// Package registry owns all BackendState values for the routing table's
// pipeline entries and the per-pipeline circuit breakers. It is
// the only place in_flight_count, EWMA latency, success rate, and breaker
// transitions are mutated.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/observability"
	"go.uber.org/zap"
)

// ewmaAlpha weights the most recent sample against the running average.
// 0.2 gives roughly a 3-sample half-life (0.8^3 ≈ 0.51).
const ewmaAlpha = 0.2

// backendState is the mutable state for one pipeline entry. Each instance
// is guarded by its own mutex, never
// a registry-wide lock.
type backendState struct {
	mu sync.Mutex

	entry pipeline.PipelineEntry

	status          pipeline.HealthStatus
	inFlightCount   int
	ewmaLatencyMs   float64
	totalCalls      int64
	successCalls    int64
	consecutiveFail int

	breaker *circuitBreaker
}

func newBackendState(entry pipeline.PipelineEntry, bcfg breakerConfig) *backendState {
	return &backendState{
		entry:   entry,
		status:  pipeline.StatusHealthy,
		breaker: newCircuitBreaker(bcfg),
	}
}

func (b *backendState) available(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == pipeline.StatusUnhealthy || b.status == pipeline.StatusDisabled {
		return false
	}
	return b.breaker.Allow(now)
}

func (b *backendState) successRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.totalCalls == 0 {
		return 1
	}
	return float64(b.successCalls) / float64(b.totalCalls)
}

// Registry tracks BackendState for every pipeline entry named by the
// current routing table and exposes the begin/end/candidates surface the
// balancer consumes.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*backendState // pipelineID -> state
	sticky   *stickyMap
	logger   *zap.Logger
	bcfg     breakerConfig
	obs      *observability.Observer
}

// SetObserver wires the in-flight gauge and breaker-trip counter. Safe to
// leave unset; *observability.Metrics tolerates a nil receiver.
func (r *Registry) SetObserver(obs *observability.Observer) {
	r.obs = obs
}

func (r *Registry) metrics() *observability.Metrics {
	if r.obs == nil {
		return nil
	}
	return r.obs.Metrics
}

// Config configures registry-wide defaults applied to every pipeline's
// circuit breaker.
type Config struct {
	FailureThreshold   int
	RecoveryTimeout    time.Duration
	MaxRecoveryTimeout time.Duration
	HalfOpenMaxProbes  int
}

// New builds an empty Registry. Sync reconciles it against a routing table.
func New(cfg Config, logger *zap.Logger) *Registry {
	bcfg := defaultBreakerConfig()
	if cfg.FailureThreshold > 0 {
		bcfg.failureThreshold = cfg.FailureThreshold
	}
	if cfg.RecoveryTimeout > 0 {
		bcfg.recoveryTimeout = cfg.RecoveryTimeout
	}
	if cfg.MaxRecoveryTimeout > 0 {
		bcfg.maxRecoveryTimeout = cfg.MaxRecoveryTimeout
	}
	if cfg.HalfOpenMaxProbes > 0 {
		bcfg.halfOpenMaxProbes = cfg.HalfOpenMaxProbes
	}
	return &Registry{
		backends: make(map[string]*backendState),
		sticky:   newStickyMap(),
		logger:   logger.With(zap.String("component", "backend-registry")),
		bcfg:     bcfg,
	}
}

// Sync reconciles the registry's backend set against a freshly loaded
// routing table: new pipeline IDs get fresh state (healthy, closed
// breaker), pipeline IDs no longer present are dropped. Existing pipeline
// IDs keep their accumulated state across a table reload, since health
// history shouldn't reset just because the config file changed.
func (r *Registry) Sync(table *pipeline.RoutingTable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	for _, entries := range table.Categories {
		for _, entry := range entries {
			seen[entry.PipelineID] = true
			if existing, ok := r.backends[entry.PipelineID]; ok {
				existing.mu.Lock()
				existing.entry = entry
				existing.mu.Unlock()
				continue
			}
			r.backends[entry.PipelineID] = newBackendState(entry, r.bcfg)
		}
	}
	for id := range r.backends {
		if !seen[id] {
			delete(r.backends, id)
		}
	}
}

// Candidates returns the pipeline entries for a category with unhealthy and
// breaker-open entries filtered out, preserving table order.
func (r *Registry) Candidates(table *pipeline.RoutingTable, cat pipeline.Category) []pipeline.PipelineEntry {
	now := time.Now()
	entries := table.Candidates(cat)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]pipeline.PipelineEntry, 0, len(entries))
	for _, entry := range entries {
		state, ok := r.backends[entry.PipelineID]
		if !ok {
			continue
		}
		if state.available(now) {
			out = append(out, entry)
		}
	}
	return out
}

// Begin atomically increments in_flight_count if below max_concurrent,
// returning a Lease; otherwise returns ErrCapacityExhausted.
func (r *Registry) Begin(pipelineID string) (pipeline.Lease, error) {
	r.mu.RLock()
	state, ok := r.backends[pipelineID]
	r.mu.RUnlock()
	if !ok {
		return pipeline.Lease{}, pipeline.NewBackendPermanent(nil, "unknown pipeline %q", pipelineID)
	}

	state.mu.Lock()
	if state.entry.MaxConcurrent > 0 && state.inFlightCount >= state.entry.MaxConcurrent {
		state.mu.Unlock()
		return pipeline.Lease{}, pipeline.ErrCapacityExhausted
	}
	state.inFlightCount++
	state.mu.Unlock()

	r.metrics().BackendInFlightDelta(context.Background(), pipelineID, 1)
	return pipeline.NewLease(pipelineID, time.Now()), nil
}

// End decrements in_flight_count and folds the outcome into EWMA latency,
// success rate, and the circuit breaker.
func (r *Registry) End(lease pipeline.Lease, outcome pipeline.Outcome) {
	r.mu.RLock()
	state, ok := r.backends[lease.PipelineID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	latency := time.Since(lease.IssuedAt())
	now := time.Now()

	state.mu.Lock()
	if state.inFlightCount > 0 {
		state.inFlightCount--
	}
	state.totalCalls++
	switch outcome {
	case pipeline.OutcomeSuccess:
		state.successCalls++
		state.consecutiveFail = 0
		state.updateLatencyLocked(latency)
	case pipeline.OutcomeFailure:
		state.consecutiveFail++
	case pipeline.OutcomeCanceled:
		// Cancellation is not a backend failure; no breaker impact.
	}
	state.mu.Unlock()

	r.metrics().BackendInFlightDelta(context.Background(), lease.PipelineID, -1)

	switch outcome {
	case pipeline.OutcomeSuccess:
		state.breaker.RecordSuccess()
	case pipeline.OutcomeFailure:
		if state.breaker.RecordFailure(now) {
			r.metrics().RecordBreakerTrip(context.Background(), lease.PipelineID)
		}
	}
}

func (state *backendState) updateLatencyLocked(latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	if state.ewmaLatencyMs == 0 {
		state.ewmaLatencyMs = ms
		return
	}
	state.ewmaLatencyMs = ewmaAlpha*ms + (1-ewmaAlpha)*state.ewmaLatencyMs
}

// InFlightCount, EWMALatencyMs are read by the load balancer's least_connections
// and least_response_time strategies.
func (r *Registry) InFlightCount(pipelineID string) int {
	r.mu.RLock()
	state, ok := r.backends[pipelineID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.inFlightCount
}

func (r *Registry) EWMALatencyMs(pipelineID string) float64 {
	r.mu.RLock()
	state, ok := r.backends[pipelineID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.ewmaLatencyMs
}

// Sticky exposes the sticky session map to the balancer.
func (r *Registry) Sticky() *stickyMap { return r.sticky }

// RecordProbe folds a health-probe outcome into the backend's status,
// implementing the healthy/degraded/unhealthy transitions.
func (r *Registry) RecordProbe(pipelineID string, success bool, failureThreshold int) pipeline.HealthStatus {
	r.mu.RLock()
	state, ok := r.backends[pipelineID]
	r.mu.RUnlock()
	if !ok {
		return pipeline.StatusDisabled
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if success {
		state.consecutiveFail = 0
		state.status = pipeline.StatusHealthy
		return state.status
	}

	state.consecutiveFail++
	switch state.status {
	case pipeline.StatusHealthy:
		state.status = pipeline.StatusDegraded
	case pipeline.StatusDegraded:
		if state.consecutiveFail >= failureThreshold {
			state.status = pipeline.StatusUnhealthy
		}
	}
	return state.status
}

// Status reports an introspection snapshot of one pipeline, used by the
// GET /v1/pipelines endpoint.
type Status struct {
	PipelineID    string
	ProviderID    string
	Category      pipeline.Category
	Health        pipeline.HealthStatus
	InFlightCount int
	EWMALatencyMs float64
	SuccessRate   float64
	Breaker       pipeline.BreakerSnapshot
}

// Snapshot returns a Status row for every tracked pipeline.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.backends))
	for id, state := range r.backends {
		state.mu.Lock()
		row := Status{
			PipelineID:    id,
			ProviderID:    state.entry.ProviderID,
			Health:        state.status,
			InFlightCount: state.inFlightCount,
			EWMALatencyMs: state.ewmaLatencyMs,
		}
		state.mu.Unlock()
		row.SuccessRate = state.successRate()
		row.Breaker = state.breaker.Snapshot()
		out = append(out, row)
	}
	return out
}
