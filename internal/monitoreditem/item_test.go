package monitoreditem

import (
	"testing"
	"time"

	"github.com/adred-codev/opcua-server/internal/ua"
)

func dv(v float64, status ua.StatusCode) ua.DataValue {
	return ua.DataValue{Value: v, Status: status, SourceTimestamp: time.Unix(0, 0)}
}

func TestItemDataChangeFilterAbsoluteDeadband(t *testing.T) {
	filter := DataChangeFilter{Trigger: ua.TriggerStatusValue, Deadband: ua.DeadbandAbsolute, DeadbandValue: 1.0}
	item := New(1, 1, ua.ReadValueID{}, 0, 10, ua.DiscardOldest, filter)

	if !item.Sample(dv(10, ua.StatusOK)) {
		t.Fatalf("first sample must always report")
	}
	if item.Sample(dv(10.5, ua.StatusOK)) {
		t.Fatalf("change within deadband must not report")
	}
	if !item.Sample(dv(11.5, ua.StatusOK)) {
		t.Fatalf("change exceeding deadband must report")
	}

	got := item.Drain()
	if len(got) != 2 {
		t.Fatalf("expected 2 queued samples, got %d", len(got))
	}
}

func TestItemQueueOverflowDiscardOldest(t *testing.T) {
	filter := DataChangeFilter{Trigger: ua.TriggerStatusValue}
	item := New(1, 1, ua.ReadValueID{}, 0, 2, ua.DiscardOldest, filter)

	item.Sample(dv(1, ua.StatusOK))
	item.Sample(dv(2, ua.StatusOK))
	item.Sample(dv(3, ua.StatusOK))

	got := item.Drain()
	if len(got) != 2 {
		t.Fatalf("expected queue capped at 2, got %d", len(got))
	}
	if got[0].Value != float64(2) || got[1].Value != float64(3) {
		t.Fatalf("expected oldest dropped, kept [2,3], got %v", got)
	}
	if got[0].Info&ua.InfoBitsOverflow == 0 {
		t.Fatalf("expected overflow bit set on oldest retained entry")
	}
}

func TestItemQueueOverflowDiscardNewest(t *testing.T) {
	filter := DataChangeFilter{Trigger: ua.TriggerStatusValue}
	item := New(1, 1, ua.ReadValueID{}, 0, 2, ua.DiscardNewest, filter)

	item.Sample(dv(1, ua.StatusOK))
	item.Sample(dv(2, ua.StatusOK))
	item.Sample(dv(3, ua.StatusOK))

	got := item.Drain()
	if len(got) != 2 {
		t.Fatalf("expected queue capped at 2, got %d", len(got))
	}
	if got[0].Value != float64(1) || got[1].Value != float64(2) {
		t.Fatalf("expected newest dropped, kept [1,2], got %v", got)
	}
}

func TestItemSamplingModeDoesNotQueue(t *testing.T) {
	filter := DataChangeFilter{Trigger: ua.TriggerStatusValue}
	item := New(1, 1, ua.ReadValueID{}, 0, 10, ua.DiscardOldest, filter)
	item.SetMode(ua.MonitoringModeSampling)

	item.Sample(dv(1, ua.StatusOK))
	item.Sample(dv(2, ua.StatusOK))

	if item.Pending() {
		t.Fatalf("sampling mode must not queue notifications")
	}
}

func TestItemDisabledDropsQueue(t *testing.T) {
	filter := DataChangeFilter{Trigger: ua.TriggerStatusValue}
	item := New(1, 1, ua.ReadValueID{}, 0, 10, ua.DiscardOldest, filter)
	item.Sample(dv(1, ua.StatusOK))
	item.Sample(dv(2, ua.StatusOK))
	if !item.Pending() {
		t.Fatalf("expected pending notifications before disabling")
	}
	item.SetMode(ua.MonitoringModeDisabled)
	if item.Pending() {
		t.Fatalf("disabling must clear the queue")
	}
}

func TestItemSamplingIntervalClampedToFloor(t *testing.T) {
	item := New(1, 1, ua.ReadValueID{}, 0, 1, ua.DiscardOldest, DataChangeFilter{})
	if item.SamplingInterval != revisedSamplingFloor {
		t.Fatalf("expected clamp to floor %v, got %v", revisedSamplingFloor, item.SamplingInterval)
	}
}

func TestItemTriggeringLinks(t *testing.T) {
	item := New(1, 1, ua.ReadValueID{}, 0, 1, ua.DiscardOldest, DataChangeFilter{})
	item.AddTriggeringTarget(42)
	item.AddTriggeringTarget(43)
	ids := item.TriggeringTargetIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 triggering targets, got %d", len(ids))
	}
	item.RemoveTriggeringTarget(42)
	ids = item.TriggeringTargetIDs()
	if len(ids) != 1 || ids[0] != 43 {
		t.Fatalf("expected only target 43 remaining, got %v", ids)
	}
}

func TestItemTriggerReportPromotesSamplingToOneShotReporting(t *testing.T) {
	target := New(2, 1, ua.ReadValueID{}, 0, 10, ua.DiscardOldest, DataChangeFilter{})
	target.SetMode(ua.MonitoringModeSampling)
	target.Sample(dv(7, ua.StatusOK))

	if target.Pending() {
		t.Fatalf("sampling mode item must not queue on its own")
	}

	target.TriggerReport()
	if !target.Pending() {
		t.Fatalf("triggered item must queue its last sampled value")
	}
	got := target.Drain()
	if len(got) != 1 || got[0].Value != float64(7) {
		t.Fatalf("unexpected triggered notification: %v", got)
	}
}

func TestEventFilterWhereSelect(t *testing.T) {
	ef := EventFilter{
		Where:  EqualsClause{Field: "Severity", Value: 500},
		Select: []SelectClause{{BrowsePath: []string{"Message"}}, {BrowsePath: []string{"Severity"}}},
	}

	_, matched := ef.Apply(map[string]interface{}{"Severity": 100, "Message": "low"})
	if matched {
		t.Fatalf("expected non-matching event to be dropped")
	}

	row, matched := ef.Apply(map[string]interface{}{"Severity": 500, "Message": "critical"})
	if !matched {
		t.Fatalf("expected matching event to pass")
	}
	if row.Fields[0] != "critical" || row.Fields[1] != 500 {
		t.Fatalf("unexpected projected row: %v", row.Fields)
	}
}

func TestItemQueueEventOverflowDiscardOldest(t *testing.T) {
	ef := &EventFilter{Select: []SelectClause{{BrowsePath: []string{"Message"}}}}
	item := New(1, 1, ua.ReadValueID{}, 0, 2, ua.DiscardOldest, DataChangeFilter{})
	item.EventFilter = ef

	item.QueueEvent(map[string]interface{}{"Message": "a"})
	item.QueueEvent(map[string]interface{}{"Message": "b"})
	item.QueueEvent(map[string]interface{}{"Message": "c"})

	got := item.DrainEvents()
	if len(got) != 2 {
		t.Fatalf("expected 2 queued events, got %d", len(got))
	}
	if got[0].Fields[0] != "b" || got[1].Fields[0] != "c" {
		t.Fatalf("expected oldest dropped, got %v", got)
	}
}
