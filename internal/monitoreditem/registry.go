package monitoreditem

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/ua"
)

// Registry owns every MonitoredItem belonging to one Subscription, keyed by
// server-assigned monitored item id. Grounded on the real gopcua
// monitor.Subscription's handles/itemLookup maps (other_examples
// dd140836_..._monitor-subscription.go.go), generalized from a client-side
// ClientHandle correlation table into the server-side item store itself.
type Registry struct {
	mu     sync.RWMutex
	items  map[uint32]*Item
	nextID uint32
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[uint32]*Item)}
}

// Create allocates a new monitored item id and stores the item.
func (r *Registry) Create(subID, clientHandle uint32, target ua.ReadValueID, requestedInterval time.Duration, queueSize uint32, discard ua.DiscardPolicy, filter DataChangeFilter) *Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	item := NewWithHandle(id, subID, clientHandle, target, requestedInterval, queueSize, discard, filter)
	r.items[id] = item
	return item
}

// Get looks up an item by id.
func (r *Registry) Get(id uint32) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	if !ok {
		return nil, errors.Wrapf(ua.StatusBadMonitoredItemIDInvalid, "monitoreditem: id %d", id)
	}
	return item, nil
}

// Delete removes an item.
func (r *Registry) Delete(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return errors.Wrapf(ua.StatusBadMonitoredItemIDInvalid, "monitoreditem: id %d", id)
	}
	delete(r.items, id)
	return nil
}

// All returns a snapshot of every item currently registered, in no
// particular order, used by the publish cycle to scan for pending
// notifications.
func (r *Registry) All() []*Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Item, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item)
	}
	return out
}

// Count reports how many items this registry holds, for admission control
// against the per-subscription item limit.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
