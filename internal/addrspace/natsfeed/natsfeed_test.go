package natsfeed

import (
	"testing"

	"go.uber.org/zap"

	"github.com/adred-codev/opcua-server/internal/addrspace"
)

func newTestFeed() *Feed {
	return New(Config{SubjectPrefix: "opcua."}, addrspace.New(), zap.NewNop())
}

func TestSubjectToNodeIDStripsPrefix(t *testing.T) {
	f := newTestFeed()

	got := f.subjectToNodeID("opcua.ns=2;s=Temperature")
	want := "ns=2;s=Temperature"
	if got != want {
		t.Fatalf("subjectToNodeID = %q, want %q", got, want)
	}
}

func TestSubjectToNodeIDRejectsUnmappableSubject(t *testing.T) {
	f := newTestFeed()

	if got := f.subjectToNodeID("other.thing"); got != "" {
		t.Fatalf("subjectToNodeID = %q, want empty", got)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	f := New(Config{SubjectPrefix: "opcua."}, addrspace.New(), zap.NewNop())

	if f.cfg.AckWait == 0 {
		t.Fatal("expected default AckWait to be set")
	}
	if f.cfg.StreamMaxAge == 0 {
		t.Fatal("expected default StreamMaxAge to be set")
	}
}
