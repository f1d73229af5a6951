package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Observer bundles everything the orchestrator and chain report through: the
// structured event sink, tracing, and metrics. A nil *Observer is valid and
// behaves as a no-op at every call site, so components that are constructed
// without one (mainly in tests) don't need a separate code path.
type Observer struct {
	Sink    Sink
	Tracer  *Tracer
	Metrics *Metrics
}

// New builds an Observer from explicit collaborators. Any of tp/mp may be nil
// to fall back to OpenTelemetry's no-op implementations.
func New(sink Sink, tp trace.TracerProvider, mp metric.MeterProvider) (*Observer, error) {
	if sink == nil {
		sink = NopSink{}
	}
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	metrics, err := NewMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	return &Observer{
		Sink:    sink,
		Tracer:  NewTracer(tp),
		Metrics: metrics,
	}, nil
}

// NewZapDefault builds an Observer backed by a Zap event sink and no-op
// tracing/metrics providers. This is what cmd/gateway wires, whatever the
// observability config says: events still flow to logs, spans and counters
// are simply dropped.
func NewZapDefault(logger *zap.Logger) *Observer {
	obs, err := New(NewZapSink(logger), nil, nil)
	if err != nil {
		// Only the no-op providers are in play here; instrument registration
		// against them cannot fail.
		panic(err)
	}
	return obs
}

// Emit reports an event, tolerating a nil Observer or nil Sink.
func (o *Observer) Emit(ctx context.Context, name string, fields map[string]any) {
	if o == nil || o.Sink == nil {
		return
	}
	o.Sink.Emit(ctx, Event{Name: name, Fields: fields})
}

// StartSpan opens a span, tolerating a nil Observer.
func (o *Observer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if o == nil || o.Tracer == nil {
		return ctx, func(error) {}
	}
	return o.Tracer.Start(ctx, name, attrs...)
}
