// Package orchestrator composes the full request path: inbound validation,
// classification, balancing, the transform chain, and cross-pipeline retry
// on a transient backend fault. It is the only caller that holds a Lease
// across its full lifetime and the only place that decides whether a
// failure is worth a second pipeline.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/llmgateway/internal/application/chain"
	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
	"github.com/ngoclaw/llmgateway/internal/domain/pipeline/classify"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/balancer"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/observability"
)

// TableSource supplies the current routing table snapshot. Satisfied by
// registry.TableHolder.
type TableSource interface {
	Load() *pipeline.RoutingTable
}

// Leaser is the subset of registry.Registry the orchestrator needs beyond
// what the balancer already consumes.
type Leaser interface {
	Candidates(table *pipeline.RoutingTable, cat pipeline.Category) []pipeline.PipelineEntry
	End(lease pipeline.Lease, outcome pipeline.Outcome)
}

// Runner executes one backend call. Satisfied by *chain.Chain.
type Runner interface {
	RunNonStreaming(ctx context.Context, codec pipeline.Codec, req *pipeline.Request, entry pipeline.PipelineEntry) (*pipeline.Response, error)
	RunStreaming(ctx context.Context, codec pipeline.Codec, req *pipeline.Request, entry pipeline.PipelineEntry, out chan<- pipeline.StreamEvent) (*pipeline.Response, error)
}

// maxCrossPipelineRetries bounds how many additional pipelines a
// non-streaming request may try after its first transient backend failure.
const maxCrossPipelineRetries = 2

// Orchestrator is the Request Orchestrator: the single entry point the HTTP
// layer calls into.
type Orchestrator struct {
	table    TableSource
	registry Leaser
	balancer *balancer.Balancer
	runner   Runner
	codecs   chain.CodecRegistry
	logger   *zap.Logger
	obs      *observability.Observer
}

// New builds an Orchestrator from its collaborators. The observer defaults to
// nil (every Emit/StartSpan call becomes a no-op); call SetObserver to wire
// real tracing, metrics, and an event sink.
func New(table TableSource, registry Leaser, bal *balancer.Balancer, runner Runner, codecs chain.CodecRegistry, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		table:    table,
		registry: registry,
		balancer: bal,
		runner:   runner,
		codecs:   codecs,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
}

// SetObserver wires the observation sink, tracer, and metrics. Safe to call
// once during startup, before the orchestrator serves any request.
func (o *Orchestrator) SetObserver(obs *observability.Observer) {
	o.obs = obs
}

// Handle runs a non-streaming request to completion, retrying on a
// different pipeline if the first (or second) choice fails with a
// transient backend fault. req.Stream is ignored here; callers that want a
// stream should call HandleStream instead.
func (o *Orchestrator) Handle(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	ctx, endSpan := o.obs.StartSpan(ctx, "orchestrator.handle")
	defer func() { endSpan(nil) }()

	o.obs.Emit(ctx, observability.EventRequestReceived, observability.F("stream", false))

	if err := pipeline.ValidateRequest(req); err != nil {
		o.emitError(ctx, "", "", err)
		return nil, err
	}

	table := o.table.Load()
	cat := classify.Classify(req, table.ClassifierConfig)
	cfg := table.Config(cat)
	o.obs.Emit(ctx, observability.EventCategoryChosen, observability.F("category", string(cat)))

	excluded := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt <= maxCrossPipelineRetries; attempt++ {
		candidates := o.filterExcluded(o.registry.Candidates(table, cat), excluded)
		entry, lease, err := o.balancer.Select(cat, cfg, candidates, req.SessionID)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			o.emitError(ctx, string(cat), "", err)
			return nil, pipeline.AsError(err)
		}
		o.obs.Emit(ctx, observability.EventBackendSelected, observability.F(
			"category", string(cat), "pipeline_id", entry.PipelineID, "provider_id", entry.ProviderID, "attempt", attempt,
		))

		codec, ok := o.codecs.For(entry.ProviderType)
		if !ok {
			o.registry.End(lease, pipeline.OutcomeFailure)
			err := pipeline.NewTransformFault(nil, "no codec registered for provider type %q", entry.ProviderType)
			o.emitError(ctx, string(cat), entry.PipelineID, err)
			return nil, err
		}

		start := time.Now()
		o.obs.Emit(ctx, observability.EventUpstreamBegin, observability.F("pipeline_id", entry.PipelineID))
		resp, err := o.runner.RunNonStreaming(ctx, codec, req, entry)
		latency := time.Since(start)
		o.obs.Emit(ctx, observability.EventUpstreamEnd, observability.F("pipeline_id", entry.PipelineID, "latency_ms", latency.Milliseconds()))
		o.endLease(lease, err)

		if err == nil {
			o.logger.Debug("request completed",
				zap.String("pipeline_id", entry.PipelineID),
				zap.String("category", string(cat)),
				zap.Duration("latency", latency),
			)
			o.metrics().RecordRequest(ctx, string(cat), entry.PipelineID, "success", latency)
			o.obs.Emit(ctx, observability.EventResponseSent, observability.F("pipeline_id", entry.PipelineID, "category", string(cat)))
			return resp, nil
		}

		perr := pipeline.AsError(err)
		if perr.Fault == pipeline.FaultCanceled {
			o.metrics().RecordRequest(ctx, string(cat), entry.PipelineID, "canceled", latency)
			return nil, perr
		}
		o.metrics().RecordRequest(ctx, string(cat), entry.PipelineID, "failure", latency)
		o.emitError(ctx, string(cat), entry.PipelineID, perr)
		lastErr = perr
		if !perr.Retryable() {
			return nil, perr
		}

		o.logger.Warn("backend call failed, retrying on a different pipeline",
			zap.String("pipeline_id", entry.PipelineID),
			zap.String("category", string(cat)),
			zap.Error(perr),
		)
		excluded[entry.PipelineID] = true
	}

	return nil, lastErr
}

func (o *Orchestrator) emitError(ctx context.Context, category, pipelineID string, err error) {
	o.obs.Emit(ctx, observability.EventError, observability.F("category", category, "pipeline_id", pipelineID, "error", err.Error()))
}

// metrics returns the wired Metrics instance, or nil if no observer was set.
// *observability.Metrics methods tolerate a nil receiver.
func (o *Orchestrator) metrics() *observability.Metrics {
	if o.obs == nil {
		return nil
	}
	return o.obs.Metrics
}

// teeStreamEvents interposes a relay between the runner and the caller's
// output channel so each event can be reported as an upstream_chunk event on
// its way through. The returned closer must be called once the runner
// returns; it blocks until every already-relayed event has been forwarded.
func (o *Orchestrator) teeStreamEvents(ctx context.Context, pipelineID string, out chan<- pipeline.StreamEvent) (chan<- pipeline.StreamEvent, func()) {
	if o.obs == nil || o.obs.Sink == nil {
		return out, func() {}
	}
	tee := make(chan pipeline.StreamEvent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range tee {
			o.obs.Emit(ctx, observability.EventUpstreamChunk, observability.F(
				"pipeline_id", pipelineID, "event_type", string(evt.Type),
			))
			out <- evt
		}
	}()
	return tee, func() {
		close(tee)
		<-done
	}
}

// HandleStream runs a streaming request against exactly one pipeline.
// Unlike Handle, a failure after the first byte is never retried: the
// caller has already started receiving a response and a silent restart
// would duplicate or corrupt what they've seen.
func (o *Orchestrator) HandleStream(ctx context.Context, req *pipeline.Request, out chan<- pipeline.StreamEvent) (*pipeline.Response, error) {
	ctx, endSpan := o.obs.StartSpan(ctx, "orchestrator.handle_stream")
	defer func() { endSpan(nil) }()

	o.obs.Emit(ctx, observability.EventRequestReceived, observability.F("stream", true))

	if err := pipeline.ValidateRequest(req); err != nil {
		o.emitError(ctx, "", "", err)
		return nil, err
	}

	table := o.table.Load()
	cat := classify.Classify(req, table.ClassifierConfig)
	cfg := table.Config(cat)
	o.obs.Emit(ctx, observability.EventCategoryChosen, observability.F("category", string(cat)))

	candidates := o.registry.Candidates(table, cat)
	entry, lease, err := o.balancer.Select(cat, cfg, candidates, req.SessionID)
	if err != nil {
		o.emitError(ctx, string(cat), "", err)
		return nil, pipeline.AsError(err)
	}
	o.obs.Emit(ctx, observability.EventBackendSelected, observability.F(
		"category", string(cat), "pipeline_id", entry.PipelineID, "provider_id", entry.ProviderID,
	))

	codec, ok := o.codecs.For(entry.ProviderType)
	if !ok {
		o.registry.End(lease, pipeline.OutcomeFailure)
		err := pipeline.NewTransformFault(nil, "no codec registered for provider type %q", entry.ProviderType)
		o.emitError(ctx, string(cat), entry.PipelineID, err)
		return nil, err
	}

	start := time.Now()
	o.obs.Emit(ctx, observability.EventUpstreamBegin, observability.F("pipeline_id", entry.PipelineID))
	teed, closeTee := o.teeStreamEvents(ctx, entry.PipelineID, out)
	resp, err := o.runner.RunStreaming(ctx, codec, req, entry, teed)
	closeTee()
	latency := time.Since(start)
	o.obs.Emit(ctx, observability.EventUpstreamEnd, observability.F("pipeline_id", entry.PipelineID, "latency_ms", latency.Milliseconds()))
	o.endLease(lease, err)

	if err != nil {
		o.logger.Warn("stream failed",
			zap.String("pipeline_id", entry.PipelineID),
			zap.String("category", string(cat)),
			zap.Error(err),
		)
		o.metrics().RecordRequest(ctx, string(cat), entry.PipelineID, "failure", latency)
		o.emitError(ctx, string(cat), entry.PipelineID, err)
		return nil, pipeline.AsError(err)
	}

	o.logger.Debug("stream completed",
		zap.String("pipeline_id", entry.PipelineID),
		zap.String("category", string(cat)),
		zap.Duration("latency", latency),
	)
	o.metrics().RecordRequest(ctx, string(cat), entry.PipelineID, "success", latency)
	o.obs.Emit(ctx, observability.EventResponseSent, observability.F("pipeline_id", entry.PipelineID, "category", string(cat)))
	return resp, nil
}

func (o *Orchestrator) endLease(lease pipeline.Lease, err error) {
	if err == nil {
		o.registry.End(lease, pipeline.OutcomeSuccess)
		return
	}
	perr := pipeline.AsError(err)
	if perr.Fault == pipeline.FaultCanceled {
		o.registry.End(lease, pipeline.OutcomeCanceled)
		return
	}
	if perr.IsBackendFailure() {
		o.registry.End(lease, pipeline.OutcomeFailure)
		return
	}
	// Client and transform faults aren't the backend's fault; release the
	// lease without touching the breaker, the same as a cancellation.
	o.registry.End(lease, pipeline.OutcomeCanceled)
}

func (o *Orchestrator) filterExcluded(candidates []pipeline.PipelineEntry, excluded map[string]bool) []pipeline.PipelineEntry {
	if len(excluded) == 0 {
		return candidates
	}
	out := make([]pipeline.PipelineEntry, 0, len(candidates))
	for _, c := range candidates {
		if !excluded[c.PipelineID] {
			out = append(out, c)
		}
	}
	return out
}
