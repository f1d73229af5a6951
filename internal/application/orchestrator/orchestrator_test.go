package orchestrator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/llmgateway/internal/application/chain"
	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/balancer"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/observability"
)

type captureSink struct {
	names []string
}

func (c *captureSink) Emit(_ context.Context, evt observability.Event) {
	c.names = append(c.names, evt.Name)
}

type fakeCodec struct {
	providerID string
	failTimes  int
	calls      int
}

func (f *fakeCodec) Encode(ctx context.Context, req *pipeline.Request, entry pipeline.PipelineEntry) (string, []byte, error) {
	return "/mock", nil, nil
}
func (f *fakeCodec) DecodeResponse(ctx context.Context, body []byte) (*pipeline.Response, error) {
	return &pipeline.Response{StopReason: pipeline.StopEndTurn}, nil
}
func (f *fakeCodec) DecodeStream(ctx context.Context, raw pipeline.StreamSource, events chan<- pipeline.StreamEvent) (*pipeline.Response, error) {
	return &pipeline.Response{StopReason: pipeline.StopEndTurn}, nil
}
func (f *fakeCodec) Headers(ctx context.Context, cred pipeline.CredentialSource) (map[string]string, error) {
	return nil, nil
}

type fakeRunner struct {
	failProviders map[string]int // providerID -> number of times to fail before succeeding
	attempts      map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{failProviders: make(map[string]int), attempts: make(map[string]int)}
}

func (f *fakeRunner) RunNonStreaming(ctx context.Context, codec pipeline.Codec, req *pipeline.Request, entry pipeline.PipelineEntry) (*pipeline.Response, error) {
	f.attempts[entry.PipelineID]++
	if left := f.failProviders[entry.PipelineID]; left > 0 {
		f.failProviders[entry.PipelineID]--
		return nil, pipeline.NewBackendTransient(nil, "mock transient failure")
	}
	return &pipeline.Response{StopReason: pipeline.StopEndTurn}, nil
}

func (f *fakeRunner) RunStreaming(ctx context.Context, codec pipeline.Codec, req *pipeline.Request, entry pipeline.PipelineEntry, out chan<- pipeline.StreamEvent) (*pipeline.Response, error) {
	f.attempts[entry.PipelineID]++
	out <- pipeline.StreamEvent{Type: pipeline.EventMessageStart}
	out <- pipeline.StreamEvent{Type: pipeline.EventMessageStop}
	return &pipeline.Response{StopReason: pipeline.StopEndTurn}, nil
}

type fakeRegistry struct {
	begun map[string]int
	ended map[string][]pipeline.Outcome
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{begun: make(map[string]int), ended: make(map[string][]pipeline.Outcome)}
}

func (r *fakeRegistry) Candidates(table *pipeline.RoutingTable, cat pipeline.Category) []pipeline.PipelineEntry {
	return table.Candidates(cat)
}
func (r *fakeRegistry) End(lease pipeline.Lease, outcome pipeline.Outcome) {
	r.ended[lease.PipelineID] = append(r.ended[lease.PipelineID], outcome)
}
func (r *fakeRegistry) Begin(pipelineID string) (pipeline.Lease, error) {
	r.begun[pipelineID]++
	return pipeline.NewLease(pipelineID, time.Now()), nil
}
func (r *fakeRegistry) InFlightCount(pipelineID string) int    { return 0 }
func (r *fakeRegistry) EWMALatencyMs(pipelineID string) float64 { return 0 }

func twoPipelineTable() *pipeline.RoutingTable {
	return &pipeline.RoutingTable{
		DefaultCategory: pipeline.CategoryDefault,
		Categories: map[pipeline.Category][]pipeline.PipelineEntry{
			pipeline.CategoryDefault: {
				{PipelineID: "p1", ProviderID: "prov1", ProviderType: pipeline.ProviderAnthropic},
				{PipelineID: "p2", ProviderID: "prov2", ProviderType: pipeline.ProviderAnthropic},
			},
		},
		CategoryConfigs: map[pipeline.Category]pipeline.CategoryConfig{
			pipeline.CategoryDefault: {Strategy: pipeline.StrategyRoundRobin},
		},
		ClassifierConfig: pipeline.DefaultClassifierConfig(),
	}
}

type staticTable struct{ t *pipeline.RoutingTable }

func (s staticTable) Load() *pipeline.RoutingTable { return s.t }

func newTestOrchestrator(table *pipeline.RoutingTable, registry *fakeRegistry, runner *fakeRunner) *Orchestrator {
	bal := balancer.New(registry, nil)
	codecs := chain.CodecRegistry{pipeline.ProviderAnthropic: &fakeCodec{}}
	return New(staticTable{table}, registry, bal, runner, codecs, zap.NewNop())
}

func TestOrchestrator_Handle_Success(t *testing.T) {
	registry := newFakeRegistry()
	runner := newFakeRunner()
	o := newTestOrchestrator(twoPipelineTable(), registry, runner)

	req := &pipeline.Request{Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: "hi"}}}
	resp, err := o.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StopReason != pipeline.StopEndTurn {
		t.Fatalf("stop_reason = %v", resp.StopReason)
	}
}

func TestOrchestrator_Handle_RetriesOnTransientFailure(t *testing.T) {
	registry := newFakeRegistry()
	runner := newFakeRunner()
	runner.failProviders["p1"] = 1 // p1 fails once, then p2 should be tried

	table := twoPipelineTable()
	o := newTestOrchestrator(table, registry, runner)

	req := &pipeline.Request{Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: "hi"}}}
	_, err := o.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.attempts["p1"] != 1 {
		t.Fatalf("p1 attempts = %d, want 1", runner.attempts["p1"])
	}
	if runner.attempts["p2"] != 1 {
		t.Fatalf("p2 attempts = %d, want 1", runner.attempts["p2"])
	}
	if got := registry.ended["p1"]; len(got) != 1 || got[0] != pipeline.OutcomeFailure {
		t.Fatalf("p1 outcome = %v, want [failure]", got)
	}
}

func TestOrchestrator_Handle_ExhaustsAllPipelines(t *testing.T) {
	registry := newFakeRegistry()
	runner := newFakeRunner()
	runner.failProviders["p1"] = 99
	runner.failProviders["p2"] = 99

	o := newTestOrchestrator(twoPipelineTable(), registry, runner)
	req := &pipeline.Request{Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: "hi"}}}
	_, err := o.Handle(context.Background(), req)
	if err == nil {
		t.Fatal("expected error once every candidate has failed")
	}
	if pipeline.AsError(err).Fault != pipeline.FaultBackendTransient {
		t.Fatalf("fault = %v", pipeline.AsError(err).Fault)
	}
}

func TestOrchestrator_Handle_InvalidRequestRejectedBeforeSelection(t *testing.T) {
	registry := newFakeRegistry()
	runner := newFakeRunner()
	o := newTestOrchestrator(twoPipelineTable(), registry, runner)

	_, err := o.Handle(context.Background(), &pipeline.Request{})
	if err == nil {
		t.Fatal("expected validation error for empty messages")
	}
	if pipeline.AsError(err).Fault != pipeline.FaultClient {
		t.Fatalf("fault = %v, want client_fault", pipeline.AsError(err).Fault)
	}
	if len(registry.begun) != 0 {
		t.Fatal("no pipeline should have been selected for an invalid request")
	}
}

func TestOrchestrator_HandleStream_EmitsEvents(t *testing.T) {
	registry := newFakeRegistry()
	runner := newFakeRunner()
	o := newTestOrchestrator(twoPipelineTable(), registry, runner)

	req := &pipeline.Request{Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: "hi"}}, Stream: true}
	out := make(chan pipeline.StreamEvent, 8)
	resp, err := o.HandleStream(context.Background(), req, out)
	close(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StopReason != pipeline.StopEndTurn {
		t.Fatalf("stop_reason = %v", resp.StopReason)
	}
	var count int
	for range out {
		count++
	}
	if count != 2 {
		t.Fatalf("event count = %d, want 2", count)
	}
}

func TestOrchestrator_Handle_EmitsStageEvents(t *testing.T) {
	registry := newFakeRegistry()
	runner := newFakeRunner()
	o := newTestOrchestrator(twoPipelineTable(), registry, runner)

	sink := &captureSink{}
	obs, err := observability.New(sink, nil, nil)
	if err != nil {
		t.Fatalf("observability.New: %v", err)
	}
	o.SetObserver(obs)

	req := &pipeline.Request{Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: "hi"}}}
	if _, err := o.Handle(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		observability.EventRequestReceived,
		observability.EventCategoryChosen,
		observability.EventBackendSelected,
		observability.EventUpstreamBegin,
		observability.EventUpstreamEnd,
		observability.EventResponseSent,
	}
	if len(sink.names) != len(want) {
		t.Fatalf("events = %v, want %v", sink.names, want)
	}
	for i, name := range want {
		if sink.names[i] != name {
			t.Fatalf("event[%d] = %q, want %q", i, sink.names[i], name)
		}
	}
}

func TestOrchestrator_HandleStream_TeesUpstreamChunkEvents(t *testing.T) {
	registry := newFakeRegistry()
	runner := newFakeRunner()
	o := newTestOrchestrator(twoPipelineTable(), registry, runner)

	sink := &captureSink{}
	obs, err := observability.New(sink, nil, nil)
	if err != nil {
		t.Fatalf("observability.New: %v", err)
	}
	o.SetObserver(obs)

	req := &pipeline.Request{Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: "hi"}}, Stream: true}
	out := make(chan pipeline.StreamEvent, 8)
	if _, err := o.HandleStream(context.Background(), req, out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(out)

	var chunks int
	for _, name := range sink.names {
		if name == observability.EventUpstreamChunk {
			chunks++
		}
	}
	if chunks != 2 {
		t.Fatalf("upstream_chunk events = %d, want 2", chunks)
	}

	var forwarded int
	for range out {
		forwarded++
	}
	if forwarded != 2 {
		t.Fatalf("forwarded stream events = %d, want 2", forwarded)
	}
}
