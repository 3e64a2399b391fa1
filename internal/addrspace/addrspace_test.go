package addrspace

import (
	"testing"
	"time"

	"github.com/adred-codev/opcua-server/internal/ua"
)

func TestReadMissingNodeReturnsFalse(t *testing.T) {
	s := New()
	_, ok := s.Read("ns=2;s=Missing")
	if ok {
		t.Fatal("expected ok=false for unknown node")
	}
}

func TestWriteStampsZeroSourceTimestamp(t *testing.T) {
	s := New()
	s.Write("ns=2;s=Temp", ua.DataValue{Value: 42.0})

	v, ok := s.Read("ns=2;s=Temp")
	if !ok {
		t.Fatal("expected value to be present")
	}
	if v.Value != 42.0 {
		t.Fatalf("value = %v, want 42.0", v.Value)
	}
	if v.SourceTimestamp.IsZero() {
		t.Fatal("expected SourceTimestamp to be stamped")
	}
}

func TestWritePreservesExplicitSourceTimestamp(t *testing.T) {
	s := New()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Write("ns=2;s=Temp", ua.DataValue{Value: 1, SourceTimestamp: ts})

	v, _ := s.Read("ns=2;s=Temp")
	if !v.SourceTimestamp.Equal(ts) {
		t.Fatalf("SourceTimestamp = %v, want %v", v.SourceTimestamp, ts)
	}
}

func TestApplyIsVisibleToRead(t *testing.T) {
	s := New()
	s.Apply("ns=2;s=Pressure", ua.DataValue{Value: 101.3, Status: ua.StatusOK})

	v, ok := s.Read("ns=2;s=Pressure")
	if !ok || v.Value != 101.3 || v.Status != ua.StatusOK {
		t.Fatalf("got %+v, ok=%v", v, ok)
	}
}

func TestSnapshotListsAllKnownNodes(t *testing.T) {
	s := New()
	s.Write("a", ua.DataValue{Value: 1})
	s.Write("b", ua.DataValue{Value: 2})

	ids := s.Snapshot()
	if len(ids) != 2 {
		t.Fatalf("len(ids) = %d, want 2", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("snapshot missing entries: %v", ids)
	}
}
