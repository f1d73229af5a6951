package registry

import (
	"testing"
	"time"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/observability"
	"go.uber.org/zap"
)

func testTable() *pipeline.RoutingTable {
	return &pipeline.RoutingTable{
		DefaultCategory: pipeline.CategoryDefault,
		Categories: map[pipeline.Category][]pipeline.PipelineEntry{
			pipeline.CategoryDefault: {
				{PipelineID: "p1", ProviderID: "prov1", MaxConcurrent: 2},
				{PipelineID: "p2", ProviderID: "prov2", MaxConcurrent: 2},
			},
		},
		CategoryConfigs: map[pipeline.Category]pipeline.CategoryConfig{
			pipeline.CategoryDefault: {Strategy: pipeline.StrategyRoundRobin},
		},
	}
}

func newTestRegistry() *Registry {
	r := New(Config{}, zap.NewNop())
	r.Sync(testTable())
	return r
}

func TestRegistry_CandidatesPreservesOrder(t *testing.T) {
	r := newTestRegistry()
	cands := r.Candidates(testTable(), pipeline.CategoryDefault)
	if len(cands) != 2 || cands[0].PipelineID != "p1" || cands[1].PipelineID != "p2" {
		t.Fatalf("unexpected candidate order: %+v", cands)
	}
}

func TestRegistry_BeginEndLeaseAccounting(t *testing.T) {
	r := newTestRegistry()

	lease1, err := r.Begin("p1")
	if err != nil {
		t.Fatalf("begin 1: %v", err)
	}
	lease2, err := r.Begin("p1")
	if err != nil {
		t.Fatalf("begin 2: %v", err)
	}
	if got := r.InFlightCount("p1"); got != 2 {
		t.Fatalf("in_flight_count = %d, want 2", got)
	}

	_, err = r.Begin("p1")
	perr := pipeline.AsError(err)
	if perr.Fault != pipeline.FaultCapacityExhausted {
		t.Fatalf("expected capacity exhausted, got %v", err)
	}

	r.End(lease1, pipeline.OutcomeSuccess)
	r.End(lease2, pipeline.OutcomeSuccess)
	if got := r.InFlightCount("p1"); got != 0 {
		t.Fatalf("in_flight_count = %d, want 0 after release", got)
	}
}

func TestRegistry_BreakerExcludesAfterThreshold(t *testing.T) {
	r := New(Config{FailureThreshold: 3, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	r.Sync(testTable())

	for i := 0; i < 3; i++ {
		lease, err := r.Begin("p1")
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		r.End(lease, pipeline.OutcomeFailure)
	}

	cands := r.Candidates(testTable(), pipeline.CategoryDefault)
	for _, c := range cands {
		if c.PipelineID == "p1" {
			t.Fatal("p1 should be excluded after breaker opens")
		}
	}

	time.Sleep(60 * time.Millisecond)
	cands = r.Candidates(testTable(), pipeline.CategoryDefault)
	found := false
	for _, c := range cands {
		if c.PipelineID == "p1" {
			found = true
		}
	}
	if !found {
		t.Fatal("p1 should be a half-open candidate after recovery_timeout")
	}
}

func TestRegistry_RecordProbeTransitions(t *testing.T) {
	r := newTestRegistry()

	st := r.RecordProbe("p1", false, 2)
	if st != pipeline.StatusDegraded {
		t.Fatalf("got %q, want degraded after first failure", st)
	}
	st = r.RecordProbe("p1", false, 2)
	if st != pipeline.StatusUnhealthy {
		t.Fatalf("got %q, want unhealthy after threshold", st)
	}
	st = r.RecordProbe("p1", true, 2)
	if st != pipeline.StatusHealthy {
		t.Fatalf("got %q, want healthy after a success", st)
	}
}

func TestRegistry_ObserverWiringDoesNotAffectAccounting(t *testing.T) {
	r := New(Config{FailureThreshold: 2}, zap.NewNop())
	r.Sync(testTable())

	obs, err := observability.New(nil, nil, nil)
	if err != nil {
		t.Fatalf("observability.New: %v", err)
	}
	r.SetObserver(obs)

	lease, err := r.Begin("p1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if got := r.InFlightCount("p1"); got != 1 {
		t.Fatalf("in_flight_count = %d, want 1", got)
	}

	r.End(lease, pipeline.OutcomeFailure)
	lease, err = r.Begin("p1")
	if err != nil {
		t.Fatalf("begin 2: %v", err)
	}
	r.End(lease, pipeline.OutcomeFailure)

	cands := r.Candidates(testTable(), pipeline.CategoryDefault)
	for _, c := range cands {
		if c.PipelineID == "p1" {
			t.Fatal("p1 should be excluded once the breaker trips, observer wired or not")
		}
	}
}

func TestRegistry_SyncDropsRemovedPipelines(t *testing.T) {
	r := newTestRegistry()
	smaller := testTable()
	smaller.Categories[pipeline.CategoryDefault] = smaller.Categories[pipeline.CategoryDefault][:1]
	r.Sync(smaller)

	cands := r.Candidates(smaller, pipeline.CategoryDefault)
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate after sync shrink, got %d", len(cands))
	}
	if got := len(r.Snapshot()); got != 1 {
		t.Fatalf("expected 1 tracked pipeline after sync shrink, got %d", got)
	}
}
