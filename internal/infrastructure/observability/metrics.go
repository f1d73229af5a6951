package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments the gateway records against:
// a request counter and a latency histogram tagged by category, pipeline
// and outcome instead of tracked globally, plus a per-pipeline in-flight
// gauge fed straight from the Registry's begin/end calls.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestLatency  metric.Float64Histogram
	backendInFlight metric.Int64UpDownCounter
	breakerTrips    metric.Int64Counter
}

// NewMetrics registers every instrument against the given meter. A
// misconfigured meter only fails instrument creation, never panics, so a
// meter.noop provider (the default when no SDK is wired) is always safe.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	requestsTotal, err := meter.Int64Counter(
		"llmgateway.requests",
		metric.WithDescription("Requests handled by the orchestrator, by category/pipeline/outcome"),
	)
	if err != nil {
		return nil, err
	}
	requestLatency, err := meter.Float64Histogram(
		"llmgateway.request.latency_ms",
		metric.WithDescription("End-to-end backend call latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	backendInFlight, err := meter.Int64UpDownCounter(
		"llmgateway.backend.in_flight",
		metric.WithDescription("In-flight requests per pipeline"),
	)
	if err != nil {
		return nil, err
	}
	breakerTrips, err := meter.Int64Counter(
		"llmgateway.breaker.trips",
		metric.WithDescription("Circuit breaker open transitions per pipeline"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		requestsTotal:   requestsTotal,
		requestLatency:  requestLatency,
		backendInFlight: backendInFlight,
		breakerTrips:    breakerTrips,
	}, nil
}

// RecordRequest records one completed backend call.
func (m *Metrics) RecordRequest(ctx context.Context, category, pipelineID, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		categoryAttr(category),
		pipelineAttr(pipelineID),
		outcomeAttr(outcome),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestLatency.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
}

// BackendInFlightDelta adjusts the in-flight gauge for a pipeline by delta
// (+1 on lease begin, -1 on lease end).
func (m *Metrics) BackendInFlightDelta(ctx context.Context, pipelineID string, delta int64) {
	if m == nil {
		return
	}
	m.backendInFlight.Add(ctx, delta, metric.WithAttributes(pipelineAttr(pipelineID)))
}

// RecordBreakerTrip records a closed/half_open -> open transition.
func (m *Metrics) RecordBreakerTrip(ctx context.Context, pipelineID string) {
	if m == nil {
		return
	}
	m.breakerTrips.Add(ctx, 1, metric.WithAttributes(pipelineAttr(pipelineID)))
}
