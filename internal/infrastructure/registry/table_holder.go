package registry

import (
	"sync/atomic"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// TableHolder publishes a *pipeline.RoutingTable for lock-free concurrent
// reads. A config reload calls Store once a new table has passed validation;
// every in-flight request keeps the snapshot it loaded at the start of the
// request, so a reload never mutates state underneath a running call.
type TableHolder struct {
	v atomic.Pointer[pipeline.RoutingTable]
}

// NewTableHolder builds a holder seeded with an initial table.
func NewTableHolder(initial *pipeline.RoutingTable) *TableHolder {
	h := &TableHolder{}
	h.v.Store(initial)
	return h
}

// Load returns the current routing table snapshot.
func (h *TableHolder) Load() *pipeline.RoutingTable {
	return h.v.Load()
}

// Store atomically publishes a new routing table.
func (h *TableHolder) Store(table *pipeline.RoutingTable) {
	h.v.Store(table)
}
