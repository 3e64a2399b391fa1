package monitoreditem

import (
	"sync"
	"time"

	"github.com/adred-codev/opcua-server/internal/ua"
)

// revisedSamplingFloor is the minimum sampling interval this server will
// honor, below which a requested interval is clamped (spec.md §4.F,
// "revised sampling interval may be clamped to a server minimum").
const revisedSamplingFloor = 50 * time.Millisecond

// Item is one MonitoredItem: a sampled or event-sourced node attribute with
// a reporting filter and a bounded notification queue (spec.md §3, §4.F).
type Item struct {
	mu sync.Mutex

	ID             uint32
	SubscriptionID uint32
	ClientHandle   uint32
	Target         ua.ReadValueID
	Mode           ua.MonitoringMode
	Filter         DataChangeFilter
	EventFilter    *EventFilter
	Discard        ua.DiscardPolicy
	QueueSize      uint32

	SamplingInterval time.Duration

	// TriggeringTargets are the ids of other monitored items this item
	// triggers into reporting when it itself reports a notification
	// (spec.md §4.F, "triggering links").
	TriggeringTargets map[uint32]struct{}

	last    ua.DataValue
	haveLast bool
	queue   []ua.DataValue
	events  []EventFieldValue
}

// New creates a MonitoredItem, clamping SamplingInterval and QueueSize to
// server limits (spec.md §4.F edge cases).
func New(id, subID uint32, target ua.ReadValueID, requestedInterval time.Duration, queueSize uint32, discard ua.DiscardPolicy, filter DataChangeFilter) *Item {
	return NewWithHandle(id, subID, 0, target, requestedInterval, queueSize, discard, filter)
}

// NewWithHandle is New plus the client-chosen handle carried in every
// notification for this item (spec.md §3).
func NewWithHandle(id, subID, clientHandle uint32, target ua.ReadValueID, requestedInterval time.Duration, queueSize uint32, discard ua.DiscardPolicy, filter DataChangeFilter) *Item {
	if requestedInterval < revisedSamplingFloor {
		requestedInterval = revisedSamplingFloor
	}
	if queueSize == 0 {
		queueSize = 1
	}
	return &Item{
		ID:                id,
		SubscriptionID:    subID,
		ClientHandle:      clientHandle,
		Target:            target,
		Mode:              ua.MonitoringModeReporting,
		Filter:            filter,
		Discard:           discard,
		QueueSize:         queueSize,
		SamplingInterval:  requestedInterval,
		TriggeringTargets: make(map[uint32]struct{}),
	}
}

// Sample feeds a freshly read/subscribed value through the filter and, if
// it passes, enqueues it. Returns true if the sample was queued (and thus
// should count toward the subscription's "any notifications since last
// cycle" check).
func (it *Item) Sample(v ua.DataValue) bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.Mode == ua.MonitoringModeDisabled {
		return false
	}

	report := !it.haveLast || it.Filter.ShouldReport(it.last, v)
	if !report {
		return false
	}
	it.last = v
	it.haveLast = true
	if it.Mode != ua.MonitoringModeReporting {
		// Sampling mode: filter state updates but nothing is queued or
		// surfaced to the client (spec.md §3).
		return false
	}

	it.enqueue(v)
	return true
}

// TriggerReport implements spec.md §4.F triggering: when a linked item X
// reports in a cycle, its triggered Sampling-mode targets are promoted to
// one-shot Reporting for that cycle only. If this item has no sampled
// value yet, or is already in Reporting mode (which queues on its own),
// this is a no-op.
func (it *Item) TriggerReport() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.Mode != ua.MonitoringModeSampling || !it.haveLast {
		return
	}
	it.enqueue(it.last)
}

func (it *Item) enqueue(v ua.DataValue) {
	if uint32(len(it.queue)) < it.QueueSize {
		it.queue = append(it.queue, v)
		return
	}

	switch it.Discard {
	case ua.DiscardOldest:
		copy(it.queue, it.queue[1:])
		it.queue[len(it.queue)-1] = v
		it.queue[0].Info |= ua.InfoBitsOverflow
	case ua.DiscardNewest:
		if len(it.queue) > 0 {
			it.queue[len(it.queue)-1].Info |= ua.InfoBitsOverflow
		}
	}
}

// QueueEvent enqueues a projected event row, subject to the same queue-size
// and discard policy as data-change samples (spec.md §4.F).
func (it *Item) QueueEvent(event map[string]interface{}) bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.Mode != ua.MonitoringModeReporting || it.EventFilter == nil {
		return false
	}
	row, matched := it.EventFilter.Apply(event)
	if !matched {
		return false
	}
	if uint32(len(it.events)) >= it.QueueSize {
		switch it.Discard {
		case ua.DiscardOldest:
			copy(it.events, it.events[1:])
			it.events[len(it.events)-1] = row
		case ua.DiscardNewest:
			// newest dropped: nothing to do
		}
		return true
	}
	it.events = append(it.events, row)
	return true
}

// Drain removes and returns all queued data-change notifications, used by
// the Subscription Engine's publish cycle (spec.md §4.E).
func (it *Item) Drain() []ua.DataValue {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.queue) == 0 {
		return nil
	}
	out := it.queue
	it.queue = nil
	return out
}

// DrainEvents removes and returns all queued event notifications.
func (it *Item) DrainEvents() []EventFieldValue {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.events) == 0 {
		return nil
	}
	out := it.events
	it.events = nil
	return out
}

// Pending reports whether this item has anything queued, without draining
// it (used by the publish cycle's "any notifications" check).
func (it *Item) Pending() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.queue) > 0 || len(it.events) > 0
}

// SetMode changes the monitoring mode. Transitioning away from Reporting
// clears the queue (spec.md §4.F: disabling an item drops its pending
// notifications).
func (it *Item) SetMode(mode ua.MonitoringMode) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.Mode = mode
	if mode != ua.MonitoringModeReporting {
		it.queue = nil
		it.events = nil
	}
}

// Modify updates sampling interval, queue size, discard policy, and filter
// in place, re-clamping as New does (spec.md §4.F ModifyMonitoredItems).
func (it *Item) Modify(requestedInterval time.Duration, queueSize uint32, discard ua.DiscardPolicy, filter DataChangeFilter) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if requestedInterval < revisedSamplingFloor {
		requestedInterval = revisedSamplingFloor
	}
	if queueSize == 0 {
		queueSize = 1
	}
	it.SamplingInterval = requestedInterval
	it.QueueSize = queueSize
	it.Discard = discard
	it.Filter = filter
}

// AddTriggeringTarget links target into this item's triggering set so that
// whenever this item reports, target is forced to report too (spec.md
// §4.F triggering links).
func (it *Item) AddTriggeringTarget(target uint32) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.TriggeringTargets[target] = struct{}{}
}

// RemoveTriggeringTarget unlinks target.
func (it *Item) RemoveTriggeringTarget(target uint32) {
	it.mu.Lock()
	defer it.mu.Unlock()
	delete(it.TriggeringTargets, target)
}

// TriggeringTargetIDs returns a snapshot of this item's triggering links.
func (it *Item) TriggeringTargetIDs() []uint32 {
	it.mu.Lock()
	defer it.mu.Unlock()
	ids := make([]uint32, 0, len(it.TriggeringTargets))
	for id := range it.TriggeringTargets {
		ids = append(ids, id)
	}
	return ids
}
