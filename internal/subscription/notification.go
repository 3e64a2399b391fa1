// Package subscription implements the Subscription Engine (spec.md §4.E):
// the publish cycle, keep-alive/lifetime counters, retransmission queue,
// and acknowledgement/Republish handling.
package subscription

import "github.com/adred-codev/opcua-server/internal/ua"

// NotificationMessage is the server-to-client delivery unit (spec.md
// GLOSSARY): zero or more data-change or event notifications stamped with a
// monotonic sequence number.
type NotificationMessage struct {
	SequenceNumber uint32
	DataChanges    []DataChangeNotification
	Events         []EventNotification
}

// IsKeepAlive reports whether this message carries no notifications, i.e.
// it exists only to prove the subscription is alive (spec.md §4.E step 3).
func (n NotificationMessage) IsKeepAlive() bool {
	return len(n.DataChanges) == 0 && len(n.Events) == 0
}

// DataChangeNotification ties a queued sample back to the monitored item
// that produced it via its client handle.
type DataChangeNotification struct {
	ClientHandle uint32
	Value        ua.DataValue
}

// EventNotification ties a projected event row back to its monitored item.
type EventNotification struct {
	ClientHandle uint32
	Fields       []interface{}
}

// retransmissionEntry is one retained NotificationMessage, grounded on
// src/replay_buffer.go's ReplayEntry{seq, buf}.
type retransmissionEntry struct {
	seq uint32
	msg NotificationMessage
}

// retransmissionQueue retains emitted NotificationMessages until acked so
// Republish can serve them, bounded by a retention window with
// oldest-first eviction. Direct generalization of src/replay_buffer.go's
// ReplayBuffer: sequence-number-keyed entries, oldest evicted on overflow.
// Single-writer (the owning subscription's publish cycle runs
// single-threaded on its Shard, spec.md §5), so no internal locking —
// mirrors ReplayBuffer's documented AddUnsafe variant.
type retransmissionQueue struct {
	entries    []retransmissionEntry
	maxEntries int
}

func newRetransmissionQueue(maxEntries int) *retransmissionQueue {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &retransmissionQueue{entries: make([]retransmissionEntry, 0, maxEntries), maxEntries: maxEntries}
}

// Add appends a newly emitted message, evicting the oldest if full.
func (q *retransmissionQueue) Add(msg NotificationMessage) {
	if len(q.entries) >= q.maxEntries {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, retransmissionEntry{seq: msg.SequenceNumber, msg: msg})
}

// Get returns the buffered message for seq, or false if it was never
// retained or has since been evicted/acked (spec.md §8: Republish on an
// acked or unknown sequence number returns BadMessageNotAvailable).
func (q *retransmissionQueue) Get(seq uint32) (NotificationMessage, bool) {
	for _, e := range q.entries {
		if e.seq == seq {
			return e.msg, true
		}
	}
	return NotificationMessage{}, false
}

// Ack removes every entry with sequence number <= seq, generalizing
// ReplayBuffer.GetRange's prune-by-bound into an ack-driven removal
// (spec.md §4.E "Acknowledgements": acked entries are removed).
func (q *retransmissionQueue) Ack(seq uint32) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.seq > seq {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}
