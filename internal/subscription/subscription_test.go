package subscription

import (
	"testing"
	"time"

	"github.com/adred-codev/opcua-server/internal/monitoreditem"
	"github.com/adred-codev/opcua-server/internal/ua"
)

func TestNewRevisionClamps(t *testing.T) {
	// spec.md §8 scenario 2: requests PublishingInterval=10ms,
	// LifetimeCount=2, MaxKeepAliveCount=5 with server minimum 100ms.
	sub := New(1, 1, 10*time.Millisecond, 5, 2, true)

	if sub.PublishingInterval != 100*time.Millisecond {
		t.Fatalf("expected revised interval 100ms, got %v", sub.PublishingInterval)
	}
	if sub.MaxKeepAliveCount != 5 {
		t.Fatalf("expected revised max keep-alive 5, got %d", sub.MaxKeepAliveCount)
	}
	if sub.LifetimeCount != 15 {
		t.Fatalf("expected revised lifetime 15 (3x5), got %d", sub.LifetimeCount)
	}
}

func TestMaxKeepAliveClampedToAtLeastOne(t *testing.T) {
	sub := New(1, 1, 200*time.Millisecond, 0, 0, true)
	if sub.MaxKeepAliveCount != 1 {
		t.Fatalf("expected max keep-alive clamped to 1, got %d", sub.MaxKeepAliveCount)
	}
	if sub.LifetimeCount != 3 {
		t.Fatalf("expected lifetime clamped to 3x1, got %d", sub.LifetimeCount)
	}
}

func TestCycleKeepAliveEmission(t *testing.T) {
	// spec.md §8 scenario 3: interval 100ms, max keep-alive 3, no data
	// changes, one token available throughout. Keep-alive counter must
	// reach MaxKeepAliveCount before a message is emitted, with
	// SequenceNumber=1.
	sub := New(1, 1, 100*time.Millisecond, 3, 9, true)

	for i := 0; i < 2; i++ {
		_, emitted := sub.Cycle(true)
		if emitted {
			t.Fatalf("unexpected emission before keep-alive threshold at cycle %d", i)
		}
	}

	msg, emitted := sub.Cycle(true)
	if !emitted {
		t.Fatalf("expected keep-alive emission at 3rd cycle")
	}
	if !msg.IsKeepAlive() {
		t.Fatalf("expected empty keep-alive NotificationMessage")
	}
	if msg.SequenceNumber != 1 {
		t.Fatalf("expected SequenceNumber=1, got %d", msg.SequenceNumber)
	}
}

func TestCycleLifetimeTerminatesWithoutToken(t *testing.T) {
	sub := New(1, 1, 100*time.Millisecond, 2, 6, true)

	for i := 0; i < 5; i++ {
		sub.Cycle(false)
	}
	if done, _ := sub.Terminated(); done {
		t.Fatalf("must not terminate before lifetime count reached")
	}

	sub.Cycle(false)
	done, err := sub.Terminated()
	if !done {
		t.Fatalf("expected termination at lifetime count 6")
	}
	if err != ua.StatusBadTimeout {
		t.Fatalf("expected BadTimeout, got %v", err)
	}
}

func TestRepublishHitMiss(t *testing.T) {
	// spec.md §8 scenario 5: emits seq 1..10, client acks 1..5.
	// Republish(3) -> BadMessageNotAvailable, Republish(7) -> hit.
	sub := New(1, 1, 100*time.Millisecond, 100, 300, true)
	filter := monitoreditem.DataChangeFilter{Trigger: ua.TriggerStatusValue}
	sub.Items.Create(1, 10, ua.ReadValueID{AttributeID: ua.AttributeIDValue}, 0, 10, ua.DiscardOldest, filter)

	for i := 0; i < 10; i++ {
		item, _ := sub.Items.Get(1)
		item.Sample(ua.DataValue{Value: float64(i), Status: ua.StatusOK, SourceTimestamp: time.Unix(int64(i), 0)})
		_, emitted := sub.Cycle(true)
		if !emitted {
			t.Fatalf("expected emission on cycle %d", i)
		}
	}

	sub.Ack(5)

	if _, err := sub.Republish(3); err == nil {
		t.Fatalf("expected BadMessageNotAvailable for acked seq 3")
	}

	msg, err := sub.Republish(7)
	if err != nil {
		t.Fatalf("expected hit for seq 7, got error %v", err)
	}
	if msg.SequenceNumber != 7 {
		t.Fatalf("expected SequenceNumber=7, got %d", msg.SequenceNumber)
	}
}

func TestDeleteIsIdempotentBadOnSecond(t *testing.T) {
	// spec.md §8: two DeleteSubscriptions with the same id -> first Good,
	// second BadSubscriptionIdInvalid.
	engine := NewEngine(1)
	sub := engine.CreateSubscription(100*time.Millisecond, 5, 15, true)

	if err := engine.Delete(sub.ID); err != nil {
		t.Fatalf("expected first delete to succeed, got %v", err)
	}
	if err := engine.Delete(sub.ID); err == nil {
		t.Fatalf("expected second delete to fail")
	}
}

func TestEngineDispatchOrderingLateFirst(t *testing.T) {
	engine := NewEngine(1)
	subA := engine.CreateSubscription(100*time.Millisecond, 3, 9, true)
	subB := engine.CreateSubscription(100*time.Millisecond, 3, 9, true)

	// Make subB "late" by running it once with no token.
	subB.Cycle(false)

	if subA.Late() {
		t.Fatalf("subA should not be late yet")
	}
	if !subB.Late() {
		t.Fatalf("subB should be late after a counter increment")
	}

	ordered := engine.orderedSubscriptionIDs()
	if len(ordered) != 2 || ordered[0] != subB.ID {
		t.Fatalf("expected late subscription %d first, got order %v", subB.ID, ordered)
	}
}
