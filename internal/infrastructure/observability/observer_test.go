package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type captureSink struct {
	events []Event
}

func (c *captureSink) Emit(_ context.Context, evt Event) {
	c.events = append(c.events, evt)
}

func TestObserver_EmitReachesSink(t *testing.T) {
	sink := &captureSink{}
	obs, err := New(sink, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	obs.Emit(context.Background(), EventRequestReceived, F("stream", false))
	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	if sink.events[0].Name != EventRequestReceived {
		t.Fatalf("event name = %q", sink.events[0].Name)
	}
}

func TestObserver_NilObserverIsNoop(t *testing.T) {
	var obs *Observer
	obs.Emit(context.Background(), EventError, F("x", 1))

	ctx, end := obs.StartSpan(context.Background(), "span")
	end(nil)
	if ctx == nil {
		t.Fatal("StartSpan must return a usable context even with a nil Observer")
	}
}

func TestMetrics_NilReceiverToleratesAllCalls(t *testing.T) {
	var m *Metrics
	m.RecordRequest(context.Background(), "default", "p1", "success", 0)
	m.BackendInFlightDelta(context.Background(), "p1", 1)
	m.RecordBreakerTrip(context.Background(), "p1")
}

func TestZapSink_EmitsAtWarnForErrorEvents(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := NewZapSink(zap.New(core))

	sink.Emit(context.Background(), Event{Name: EventError, Fields: F("pipeline_id", "p1")})
	sink.Emit(context.Background(), Event{Name: EventUpstreamBegin, Fields: F("pipeline_id", "p1")})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("only the error-level call should pass the Warn+ filter, got %d entries", len(entries))
	}
}
