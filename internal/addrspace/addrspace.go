// Package addrspace implements the AddressSpace Facade (component H): the
// external interface the MonitoredItem Service samples against. It is
// deliberately narrow — Read/Write over a flat NodeId -> DataValue cache —
// since full address-space modelling (types, references, Browse
// hierarchy beyond a flat node list) is out of scope (spec.md Non-goals).
//
// The cache is filled asynchronously by whichever DataFeed adapter
// (component P) is configured; sampling itself stays a synchronous pull
// against the cache, so a slow or bursty feed never blocks a sampling
// cycle.
package addrspace

import (
	"sync"
	"time"

	"github.com/adred-codev/opcua-server/internal/ua"
)

// DataFeed is the pluggable external source of attribute-value changes
// behind the facade (SPEC_FULL.md component P). Adapters call Space.Apply
// as updates arrive; they do not hold a reference to any sampler.
type DataFeed interface {
	Start() error
	Stop() error
}

// Space is the flat NodeId -> DataValue cache backing Read/Write.
type Space struct {
	mu     sync.RWMutex
	values map[string]ua.DataValue
}

// New creates an empty address space.
func New() *Space {
	return &Space{values: make(map[string]ua.DataValue)}
}

// Read returns the current cached value for nodeID, or false if nothing
// has ever been written or fed for it.
func (s *Space) Read(nodeID string) (ua.DataValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[nodeID]
	return v, ok
}

// Write installs a client-initiated value (the OPC UA Write service). A
// zero SourceTimestamp is replaced with the current time; any other is kept.
func (s *Space) Write(nodeID string, v ua.DataValue) {
	if v.SourceTimestamp.IsZero() {
		v.SourceTimestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[nodeID] = v
}

// Apply installs a feed-originated value, called by a DataFeed adapter's
// consume loop. It never blocks waiting on a sampler: the value simply
// becomes visible to the next Read.
func (s *Space) Apply(nodeID string, v ua.DataValue) {
	s.Write(nodeID, v)
}

// Snapshot returns every currently known node id, for the Browse service's
// flat-namespace listing.
func (s *Space) Snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.values))
	for id := range s.values {
		ids = append(ids, id)
	}
	return ids
}
