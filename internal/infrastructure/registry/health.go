package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Prober issues a minimal upstream request against one pipeline entry and
// reports whether it succeeded. Implemented per codec package.
type Prober interface {
	Probe(ctx context.Context, entry pipeline.PipelineEntry) error
}

// HealthScheduler runs fixed-interval probes per backend, folding each
// outcome into the Registry. A shared token bucket throttles total
// probe throughput so a category with many backends doesn't spike the
// upstream providers all at once.
type HealthScheduler struct {
	registry *Registry
	prober   Prober
	store    *ProbeStore
	logger   *zap.Logger

	limiter          *rate.Limiter
	interval         time.Duration
	probeTimeout     time.Duration
	failureThreshold int

	mu     sync.Mutex
	stopCh chan struct{}
}

// HealthSchedulerConfig configures probe cadence and throttling.
type HealthSchedulerConfig struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	// MaxProbesPerSecond bounds total probe throughput across all backends.
	MaxProbesPerSecond float64
}

// DefaultHealthSchedulerConfig returns the documented defaults: probe every
// 30s, 5s timeout, 3 consecutive failures to go unhealthy, throttled to 5
// probes/second in aggregate.
func DefaultHealthSchedulerConfig() HealthSchedulerConfig {
	return HealthSchedulerConfig{
		Interval:           30 * time.Second,
		ProbeTimeout:       5 * time.Second,
		FailureThreshold:   3,
		MaxProbesPerSecond: 5,
	}
}

// NewHealthScheduler builds a scheduler. store may be nil to disable probe
// history persistence.
func NewHealthScheduler(registry *Registry, prober Prober, store *ProbeStore, cfg HealthSchedulerConfig, logger *zap.Logger) *HealthScheduler {
	if cfg.MaxProbesPerSecond <= 0 {
		cfg.MaxProbesPerSecond = 5
	}
	return &HealthScheduler{
		registry:         registry,
		prober:           prober,
		store:            store,
		logger:           logger.With(zap.String("component", "health-scheduler")),
		limiter:          rate.NewLimiter(rate.Limit(cfg.MaxProbesPerSecond), 1),
		interval:         cfg.Interval,
		probeTimeout:     cfg.ProbeTimeout,
		failureThreshold: cfg.FailureThreshold,
	}
}

// Start launches one polling loop per tracked backend. Blocks until Stop is
// called; callers run it in its own goroutine.
func (h *HealthScheduler) Start(table *pipeline.RoutingTable) {
	h.mu.Lock()
	h.stopCh = make(chan struct{})
	stop := h.stopCh
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, entries := range table.Categories {
		for _, entry := range entries {
			wg.Add(1)
			go func(entry pipeline.PipelineEntry) {
				defer wg.Done()
				h.loop(entry, stop)
			}(entry)
		}
	}
	wg.Wait()
}

func (h *HealthScheduler) loop(entry pipeline.PipelineEntry, stop <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.probeOne(entry)
		}
	}
}

func (h *HealthScheduler) probeOne(entry pipeline.PipelineEntry) {
	if err := h.limiter.Wait(context.Background()); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.probeTimeout)
	defer cancel()

	start := time.Now()
	err := h.prober.Probe(ctx, entry)
	latency := time.Since(start)

	status := h.registry.RecordProbe(entry.PipelineID, err == nil, h.failureThreshold)
	if h.store != nil {
		h.store.Record(entry.PipelineID, err == nil, latency, err)
	}
	if err != nil {
		h.logger.Debug("probe failed",
			zap.String("pipeline_id", entry.PipelineID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// Stop halts all probe loops.
func (h *HealthScheduler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopCh != nil {
		close(h.stopCh)
		h.stopCh = nil
	}
}
