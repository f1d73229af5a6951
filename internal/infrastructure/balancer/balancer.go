// Package balancer implements the load balancer: given a category's
// candidate list and the request, select one pipeline and obtain a Lease.
package balancer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// Leaser is the subset of registry.Registry the balancer depends on.
// Declared here (consumer side) so this package never imports registry
// directly and the dependency stays inverted.
type Leaser interface {
	Begin(pipelineID string) (pipeline.Lease, error)
	InFlightCount(pipelineID string) int
	EWMALatencyMs(pipelineID string) float64
}

// StickyStore is the subset of registry.stickyMap's behavior the balancer
// needs, exposed through registry.Registry.Sticky().
type StickyStore interface {
	Lookup(sessionID string, now time.Time) (string, bool)
	Bind(sessionID, pipelineID string, ttl time.Duration, now time.Time)
}

// Balancer selects one candidate pipeline per request and obtains its
// Lease. Holds one round-robin counter per category.
type Balancer struct {
	leaser Leaser
	sticky StickyStore

	mu       sync.Mutex
	counters map[pipeline.Category]uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a Balancer. sticky may be nil to disable sticky sessions.
func New(leaser Leaser, sticky StickyStore) *Balancer {
	return &Balancer{
		leaser:   leaser,
		sticky:   sticky,
		counters: make(map[pipeline.Category]uint64),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select chooses a candidate and returns it alongside its Lease. candidates
// must already be filtered to healthy, breaker-closed entries (registry's
// job); this function only picks among them and tries to obtain a Lease,
// advancing to the next candidate if the first choice is at capacity.
//
// No waiting, no queueing: if no candidate yields a Lease in one
// pass, returns ErrNoBackendAvailable.
func (b *Balancer) Select(cat pipeline.Category, cfg pipeline.CategoryConfig, candidates []pipeline.PipelineEntry, sessionID string) (pipeline.PipelineEntry, pipeline.Lease, error) {
	if len(candidates) == 0 {
		return pipeline.PipelineEntry{}, pipeline.Lease{}, pipeline.ErrNoBackendAvailable
	}

	now := time.Now()

	if b.sticky != nil && sessionID != "" {
		if pid, ok := b.sticky.Lookup(sessionID, now); ok {
			for _, entry := range candidates {
				if entry.PipelineID == pid {
					if lease, err := b.leaser.Begin(entry.PipelineID); err == nil {
						return entry, lease, nil
					}
					break // sticky target is at capacity; fall through to normal selection
				}
			}
		}
	}

	order := b.rank(cat, cfg.Strategy, candidates)

	for _, idx := range order {
		entry := candidates[idx]
		lease, err := b.leaser.Begin(entry.PipelineID)
		if err != nil {
			continue
		}
		if b.sticky != nil && sessionID != "" {
			ttl := cfg.StickySessionTTL
			if ttl <= 0 {
				ttl = 5 * time.Minute
			}
			b.sticky.Bind(sessionID, entry.PipelineID, ttl, now)
		}
		return entry, lease, nil
	}

	return pipeline.PipelineEntry{}, pipeline.Lease{}, pipeline.ErrNoBackendAvailable
}

// rank returns candidate indices in the order they should be tried for the
// given strategy. The first index is the strategy's primary pick; the rest
// are fallback order if the primary pick is at capacity.
func (b *Balancer) rank(cat pipeline.Category, strategy pipeline.Strategy, candidates []pipeline.PipelineEntry) []int {
	effective := strategy
	if effective == pipeline.StrategyAdaptive {
		effective = b.adaptiveDowngrade(candidates)
	}

	switch effective {
	case pipeline.StrategyWeighted:
		return b.weightedOrder(candidates)
	case pipeline.StrategyLeastConnections:
		return b.leastConnectionsOrder(candidates)
	case pipeline.StrategyLeastResponseTime:
		return b.leastResponseTimeOrder(candidates)
	default:
		return b.roundRobinOrder(cat, candidates)
	}
}

// adaptiveDowngrade implements the adaptive strategy's load-shedding rule:
// if any candidate's in_flight_count/max_concurrent exceeds 0.8, degrade to
// least_response_time for this pick.
func (b *Balancer) adaptiveDowngrade(candidates []pipeline.PipelineEntry) pipeline.Strategy {
	for _, entry := range candidates {
		if entry.MaxConcurrent <= 0 {
			continue
		}
		ratio := float64(b.leaser.InFlightCount(entry.PipelineID)) / float64(entry.MaxConcurrent)
		if ratio > 0.8 {
			return pipeline.StrategyLeastResponseTime
		}
	}
	return pipeline.StrategyRoundRobin
}

func (b *Balancer) roundRobinOrder(cat pipeline.Category, candidates []pipeline.PipelineEntry) []int {
	b.mu.Lock()
	n := b.counters[cat]
	b.counters[cat]++
	b.mu.Unlock()

	k := len(candidates)
	start := int(n % uint64(k))
	order := make([]int, k)
	for i := 0; i < k; i++ {
		order[i] = (start + i) % k
	}
	return order
}

// weightedOrder picks by cumulative weight, uniform random in [0, sum(w)),
// the candidate whose cumulative sum first crosses the integer pick wins, so
// ties resolve to the lower index; zero-weight entries are given a floor of
// 1 so they remain reachable.
func (b *Balancer) weightedOrder(candidates []pipeline.PipelineEntry) []int {
	weights := make([]int, len(candidates))
	total := 0
	for i, entry := range candidates {
		w := entry.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	b.rngMu.Lock()
	pick := b.rng.Intn(total)
	b.rngMu.Unlock()

	primary := 0
	running := 0
	for i, w := range weights {
		running += w
		if pick < running {
			primary = i
			break
		}
	}
	return rotate(len(candidates), primary)
}

func (b *Balancer) leastConnectionsOrder(candidates []pipeline.PipelineEntry) []int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if less := compareLeastConnections(b.leaser, candidates[i], candidates[best]); less {
			best = i
		}
	}
	return rotate(len(candidates), best)
}

func compareLeastConnections(leaser Leaser, a, b pipeline.PipelineEntry) bool {
	ac, bc := leaser.InFlightCount(a.PipelineID), leaser.InFlightCount(b.PipelineID)
	if ac != bc {
		return ac < bc
	}
	al, bl := leaser.EWMALatencyMs(a.PipelineID), leaser.EWMALatencyMs(b.PipelineID)
	return al < bl
}

func (b *Balancer) leastResponseTimeOrder(candidates []pipeline.PipelineEntry) []int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		al, bl := b.leaser.EWMALatencyMs(candidates[i].PipelineID), b.leaser.EWMALatencyMs(candidates[best].PipelineID)
		if al < bl {
			best = i
		} else if al == bl && b.leaser.InFlightCount(candidates[i].PipelineID) < b.leaser.InFlightCount(candidates[best].PipelineID) {
			best = i
		}
	}
	return rotate(len(candidates), best)
}

// rotate returns indices [primary, primary+1, ..., primary-1] so the
// caller's fallback-on-capacity loop tries the primary pick first and then
// falls through the remaining candidates in table order.
func rotate(n, primary int) []int {
	order := make([]int, n)
	for i := 0; i < n; i++ {
		order[i] = (primary + i) % n
	}
	return order
}
