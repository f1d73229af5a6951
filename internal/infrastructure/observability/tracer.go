package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName identifies this package's spans in any OTel backend.
const instrumentationName = "github.com/ngoclaw/llmgateway"

// Tracer starts spans against a real OpenTelemetry TracerProvider.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer builds a Tracer from a provider. Pass otel.GetTracerProvider()
// for the globally configured SDK, or trace/noop.NewTracerProvider() when no
// exporter is configured.
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(instrumentationName)}
}

// Start opens a span for one chain stage or the upstream call. The returned
// End function must be deferred; it records err as the span status if
// non-nil.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	if t == nil {
		return ctx, func(error) {}
	}
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
