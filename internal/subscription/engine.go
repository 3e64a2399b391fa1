package subscription

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/ua"
)

// PublishToken is one queued Publish request slot (spec.md GLOSSARY):
// a client-sent request the server consumes to deliver a
// NotificationMessage.
type PublishToken struct {
	RequestHandle uint32
}

// PendingPublish is a ready-to-send NotificationMessage paired with the
// request handle of the token that consumed it and the subscription it
// came from.
type PendingPublish struct {
	SubscriptionID uint32
	RequestHandle  uint32
	Message        NotificationMessage
	MoreNotifications bool
}

// Engine owns every Subscription belonging to one Session and the queue of
// outstanding Publish tokens for that session. Resolves the §9 Open
// Question "do Publish tokens queue per session or per subscription" as
// per-session, per SPEC_FULL.md §9.
type Engine struct {
	mu            sync.Mutex
	SessionID     uint32
	subscriptions map[uint32]*Subscription
	tokens        []PublishToken
	nextID        uint32
}

// NewEngine creates an empty Engine for one session.
func NewEngine(sessionID uint32) *Engine {
	return &Engine{SessionID: sessionID, subscriptions: make(map[uint32]*Subscription)}
}

// CreateSubscription allocates a subscription id and stores it.
func (e *Engine) CreateSubscription(requestedInterval time.Duration, requestedMaxKeepAlive, requestedLifetime uint32, publishingEnabled bool) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	sub := New(id, e.SessionID, requestedInterval, requestedMaxKeepAlive, requestedLifetime, publishingEnabled)
	e.subscriptions[id] = sub
	return sub
}

// Get looks up a subscription by id.
func (e *Engine) Get(id uint32) (*Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subscriptions[id]
	if !ok {
		return nil, errors.Wrapf(ua.StatusBadSubscriptionIDInvalid, "subscription: id %d", id)
	}
	return sub, nil
}

// Delete removes a subscription. Idempotent per spec.md §8: a second
// delete of the same id returns BadSubscriptionIdInvalid.
func (e *Engine) Delete(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subscriptions[id]; !ok {
		return errors.Wrapf(ua.StatusBadSubscriptionIDInvalid, "subscription: id %d", id)
	}
	delete(e.subscriptions, id)
	return nil
}

// QueuePublish enqueues one Publish token (a client request slot waiting
// to be matched with a NotificationMessage).
func (e *Engine) QueuePublish(requestHandle uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens = append(e.tokens, PublishToken{RequestHandle: requestHandle})
}

// PendingTokens reports how many Publish tokens are currently queued.
func (e *Engine) PendingTokens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tokens)
}

// RunCycle drives one publish-cycle iteration across every subscription
// owned by this session, applying the dispatch ordering from spec.md
// §4.E: "deliver in order of increasing subscription id but prioritize
// any subscription in late state before subscriptions with counters at
// 0." Subscriptions that self-terminate (BadTimeout) are reported via
// terminated and removed.
func (e *Engine) RunCycle() (published []PendingPublish, terminated []uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ordered := e.orderedSubscriptionIDs()

	for _, id := range ordered {
		sub := e.subscriptions[id]
		tokenAvailable := len(e.tokens) > 0

		msg, emitted := sub.Cycle(tokenAvailable)
		if emitted {
			tok := e.tokens[0]
			e.tokens = e.tokens[1:]
			published = append(published, PendingPublish{
				SubscriptionID: sub.ID,
				RequestHandle:  tok.RequestHandle,
				Message:        msg,
			})
		}

		if done, _ := sub.Terminated(); done {
			terminated = append(terminated, id)
			delete(e.subscriptions, id)
		}
	}

	return published, terminated
}

// orderedSubscriptionIDs implements the dispatch ordering rule: late
// subscriptions (keep-alive or lifetime counter > 0) sort before
// non-late ones; within each group, increasing subscription id.
func (e *Engine) orderedSubscriptionIDs() []uint32 {
	ids := make([]uint32, 0, len(e.subscriptions))
	for id := range e.subscriptions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := e.subscriptions[ids[i]], e.subscriptions[ids[j]]
		li, lj := si.Late(), sj.Late()
		if li != lj {
			return li // late sorts first
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Ack applies a Publish request's acknowledgements to the named
// subscription's retransmission queue.
func (e *Engine) Ack(subscriptionID, seq uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subscriptions[subscriptionID]
	if !ok {
		return errors.Wrapf(ua.StatusBadSubscriptionIDInvalid, "subscription: id %d", subscriptionID)
	}
	sub.Ack(seq)
	return nil
}

// Republish dispatches to the named subscription's Republish.
func (e *Engine) Republish(subscriptionID, seq uint32) (NotificationMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subscriptions[subscriptionID]
	if !ok {
		return NotificationMessage{}, errors.Wrapf(ua.StatusBadSubscriptionIDInvalid, "subscription: id %d", subscriptionID)
	}
	return sub.Republish(seq)
}

// Count reports how many subscriptions this engine holds, for admission
// control against per-session subscription limits.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscriptions)
}

// SampleAll pulls the current value for every item's target node across
// every subscription this engine owns, via read (the AddressSpace
// Facade's Read), and feeds it through each item's own filter/queue. It is
// the bridge between the push-based DataFeed adapters and the pull-based
// Cycle/collect step RunCycle performs immediately afterward; a node with
// no cached value yet (read returns false) is simply skipped.
func (e *Engine) SampleAll(read func(nodeID string) (ua.DataValue, bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subscriptions {
		for _, item := range sub.Items.All() {
			if item.Target.NodeID == nil {
				continue
			}
			if v, ok := read(item.Target.NodeID.String()); ok {
				item.Sample(v)
			}
		}
	}
}
