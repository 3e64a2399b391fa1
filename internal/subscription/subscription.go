package subscription

import (
	"time"

	"github.com/pkg/errors"

	"github.com/adred-codev/opcua-server/internal/monitoreditem"
	"github.com/adred-codev/opcua-server/internal/ua"
)

// minPublishingInterval / maxPublishingInterval bound the revised
// publishing interval spec.md §4.E's revision rules clamp to.
const (
	minPublishingInterval = 100 * time.Millisecond
	maxPublishingInterval = 60 * time.Second
)

// Subscription is a periodic delivery context for monitored-item
// notifications with its own publish timer and sequence-number stream
// (spec.md GLOSSARY, §4.E).
type Subscription struct {
	ID        uint32
	SessionID uint32

	PublishingInterval time.Duration
	MaxKeepAliveCount   uint32
	LifetimeCount       uint32
	MaxNotificationsPerPublish uint32
	PublishingEnabled   bool

	Items *monitoreditem.Registry

	keepAliveCounter uint32
	lifetimeCounter  uint32
	nextSeq          uint32

	retransmit *retransmissionQueue

	// triggerLinks maps a triggering item's id to the set of items it
	// promotes when it reports (spec.md §4.F).
	triggerLinks map[uint32][]uint32

	terminated bool
	terminationErr error
}

// maxSequenceNumber mirrors uasc's wrap point (spec.md §9 Open Question,
// resolved in SPEC_FULL.md §4.E): NotificationMessage sequence numbers
// live in the same 32-bit space and wrap the same way.
const maxSequenceNumber = 4294966271

// New creates a Subscription, applying the revision rules from spec.md
// §4.E: publishing interval clamped to [min,max], MaxKeepAliveCount
// clamped to >=1, LifetimeCount bumped to >= 3*MaxKeepAliveCount.
func New(id, sessionID uint32, requestedInterval time.Duration, requestedMaxKeepAlive, requestedLifetime uint32, publishingEnabled bool) *Subscription {
	interval := requestedInterval
	if interval < minPublishingInterval {
		interval = minPublishingInterval
	}
	if interval > maxPublishingInterval {
		interval = maxPublishingInterval
	}

	maxKeepAlive := requestedMaxKeepAlive
	if maxKeepAlive < 1 {
		maxKeepAlive = 1
	}

	lifetime := requestedLifetime
	if lifetime < 3*maxKeepAlive {
		lifetime = 3 * maxKeepAlive
	}

	return &Subscription{
		ID:                         id,
		SessionID:                  sessionID,
		PublishingInterval:         interval,
		MaxKeepAliveCount:          maxKeepAlive,
		LifetimeCount:              lifetime,
		MaxNotificationsPerPublish: 0, // 0 == unlimited, per Part 4
		PublishingEnabled:          publishingEnabled,
		Items:                      monitoreditem.NewRegistry(),
		retransmit:                 newRetransmissionQueue(100),
		triggerLinks:               make(map[uint32][]uint32),
	}
}

// Modify re-applies the revision rules against new requested values
// (ModifySubscription, spec.md §4.E).
func (s *Subscription) Modify(requestedInterval time.Duration, requestedMaxKeepAlive, requestedLifetime uint32) {
	if requestedInterval < minPublishingInterval {
		requestedInterval = minPublishingInterval
	}
	if requestedInterval > maxPublishingInterval {
		requestedInterval = maxPublishingInterval
	}
	s.PublishingInterval = requestedInterval

	if requestedMaxKeepAlive < 1 {
		requestedMaxKeepAlive = 1
	}
	s.MaxKeepAliveCount = requestedMaxKeepAlive

	if requestedLifetime < 3*requestedMaxKeepAlive {
		requestedLifetime = 3 * requestedMaxKeepAlive
	}
	s.LifetimeCount = requestedLifetime
}

// SetPublishingMode toggles whether this subscription emits notifications
// at all (SetPublishingMode service, spec.md §4.C routing list).
func (s *Subscription) SetPublishingMode(enabled bool) {
	s.PublishingEnabled = enabled
}

// AddTriggerLink records that triggering promotes each of targets from
// Sampling to one-shot Reporting whenever triggering itself reports
// (spec.md §4.F).
func (s *Subscription) AddTriggerLink(triggering uint32, targets []uint32) {
	s.triggerLinks[triggering] = append(s.triggerLinks[triggering], targets...)
}

// RemoveTriggerLink removes one target from triggering's trigger list.
func (s *Subscription) RemoveTriggerLink(triggering, target uint32) {
	targets := s.triggerLinks[triggering]
	for i, t := range targets {
		if t == target {
			s.triggerLinks[triggering] = append(targets[:i], targets[i+1:]...)
			return
		}
	}
}

// Terminated reports whether the subscription has self-terminated via the
// lifetime counter (spec.md §4.E step 4).
func (s *Subscription) Terminated() (bool, error) {
	return s.terminated, s.terminationErr
}

// nextSequenceNumber allocates the next NotificationMessage sequence
// number, wrapping per the resolved Open Question (SPEC_FULL.md §9):
// 0 is reserved, wrap point is maxSequenceNumber back to 1.
func (s *Subscription) nextSequenceNumber() uint32 {
	s.nextSeq++
	if s.nextSeq > maxSequenceNumber {
		s.nextSeq = 1
	}
	return s.nextSeq
}

// hasPending reports whether any item in this subscription has queued
// data-changes or events, without draining anything. Used to decide
// whether a cycle will emit before collect() commits to draining the
// item queues (spec.md §4.E step 1).
func (s *Subscription) hasPending() bool {
	for _, item := range s.Items.All() {
		if item.Pending() {
			return true
		}
	}
	return false
}

// collect drains every item's queued notifications and fires triggering
// links for items that reported this cycle (spec.md §4.E step 1, §4.F
// triggering). Only call once the cycle has already decided it will
// emit: draining an item whose notification can't be delivered this
// cycle would lose it for good.
func (s *Subscription) collect() ([]DataChangeNotification, []EventNotification) {
	items := s.Items.All()

	var dataChanges []DataChangeNotification
	var events []EventNotification

	for _, item := range items {
		hadPending := item.Pending()
		if samples := item.Drain(); len(samples) > 0 {
			for _, v := range samples {
				dataChanges = append(dataChanges, DataChangeNotification{ClientHandle: item.ClientHandle, Value: v})
			}
		}
		if evs := item.DrainEvents(); len(evs) > 0 {
			for _, e := range evs {
				events = append(events, EventNotification{ClientHandle: item.ClientHandle, Fields: e.Fields})
			}
		}

		if hadPending {
			s.fireTriggers(item.ID)
		}
	}
	return dataChanges, events
}

func (s *Subscription) fireTriggers(triggeringID uint32) {
	for _, targetID := range s.triggerLinks[triggeringID] {
		if target, err := s.Items.Get(targetID); err == nil {
			target.TriggerReport()
		}
	}
}

// Cycle runs one publish-cycle iteration (spec.md §4.E steps 1-4).
// tokenAvailable reports whether a publish token (a queued Publish
// request) is available to consume. Returns the NotificationMessage to
// emit (if any) and whether one was actually emitted.
func (s *Subscription) Cycle(tokenAvailable bool) (NotificationMessage, bool) {
	if s.terminated {
		return NotificationMessage{}, false
	}

	hasNotifications := s.PublishingEnabled && s.hasPending()

	if hasNotifications && tokenAvailable {
		dataChanges, events := s.collect()
		msg := NotificationMessage{
			SequenceNumber: s.nextSequenceNumber(),
			DataChanges:    dataChanges,
			Events:         events,
		}
		s.retransmit.Add(msg)
		s.keepAliveCounter = 0
		s.lifetimeCounter = 0
		return msg, true
	}

	s.keepAliveCounter++
	if s.keepAliveCounter >= s.MaxKeepAliveCount && tokenAvailable {
		msg := NotificationMessage{SequenceNumber: s.nextSequenceNumber()}
		s.retransmit.Add(msg)
		s.keepAliveCounter = 0
		return msg, true
	}

	if !tokenAvailable {
		s.lifetimeCounter++
		if s.lifetimeCounter >= s.LifetimeCount {
			s.terminated = true
			s.terminationErr = ua.StatusBadTimeout
		}
	}

	return NotificationMessage{}, false
}

// Ack removes acknowledged sequence numbers from the retransmission queue
// (spec.md §4.E "Acknowledgements").
func (s *Subscription) Ack(seq uint32) {
	s.retransmit.Ack(seq)
}

// Republish returns the buffered NotificationMessage for seq, or
// BadMessageNotAvailable if it was never retained, already acked, or
// evicted (spec.md §4.E, §8 scenario 5).
func (s *Subscription) Republish(seq uint32) (NotificationMessage, error) {
	msg, ok := s.retransmit.Get(seq)
	if !ok {
		return NotificationMessage{}, errors.Wrapf(ua.StatusBadMessageNotAvailable, "subscription: seq %d", seq)
	}
	return msg, nil
}

// Late reports whether this subscription is in a "late" state (keep-alive
// or lifetime counter > 0), used by the Engine's publish dispatch
// ordering (spec.md §4.E "Publish dispatch ordering").
func (s *Subscription) Late() bool {
	return s.keepAliveCounter > 0 || s.lifetimeCounter > 0
}
