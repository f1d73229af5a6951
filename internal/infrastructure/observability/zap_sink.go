package observability

import (
	"context"

	"go.uber.org/zap"
)

// ZapSink emits every event as a structured log line. It's the default sink:
// every component here logs through Zap, and that convention extends to the
// observation sink too, following the pervasive `logger.With(...)` usage
// across the provider and agent packages this module grew out of.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps a logger. The caller's logger is tagged with
// component=observability so event lines are distinguishable from the
// orchestrator's and chain's own Debug/Warn logging of the same stages.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.With(zap.String("component", "observability"))}
}

func (s *ZapSink) Emit(_ context.Context, evt Event) {
	fields := make([]zap.Field, 0, len(evt.Fields)+1)
	fields = append(fields, zap.String("event", evt.Name))
	for k, v := range evt.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	if evt.Name == EventError {
		s.logger.Warn("pipeline event", fields...)
		return
	}
	s.logger.Debug("pipeline event", fields...)
}

// MultiSink fans one event out to several sinks, e.g. Zap plus a test probe.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, evt Event) {
	for _, s := range m {
		s.Emit(ctx, evt)
	}
}
