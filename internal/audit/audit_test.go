package audit

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingAlerter struct {
	calls []Level
}

func (r *recordingAlerter) Alert(level Level, message string, metadata map[string]interface{}) {
	r.calls = append(r.calls, level)
}

func newTestLogger() (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(zap.DebugLevel)
	return New(zap.New(core)), observed
}

func TestLogEmitsFieldsAndMessage(t *testing.T) {
	l, observed := newTestLogger()
	sessionID := uint32(7)
	l.Log(Event{
		Level:     Info,
		Kind:      "channel_opened",
		SessionID: &sessionID,
		Message:   "channel opened",
		Metadata:  map[string]interface{}{"policy": "None"},
	})

	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Message != "channel opened" {
		t.Fatalf("unexpected message: %q", entries[0].Message)
	}
	ctx := entries[0].ContextMap()
	if ctx["kind"] != "channel_opened" {
		t.Fatalf("expected kind field, got %v", ctx["kind"])
	}
	if fmt.Sprint(ctx["session_id"]) != "7" {
		t.Fatalf("expected session_id field 7, got %v", ctx["session_id"])
	}
}

func TestWithSessionTagsEvents(t *testing.T) {
	l, observed := newTestLogger()
	l.WithSession(42).Warning("session_expired", "timed out", nil)

	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if got := fmt.Sprint(entries[0].ContextMap()["session_id"]); got != "42" {
		t.Fatalf("expected session_id 42, got %v", got)
	}
}

func TestAlerterNotifiedAboveInfo(t *testing.T) {
	l, _ := newTestLogger()
	alerter := &recordingAlerter{}
	l.SetAlerter(alerter)

	l.Info("channel_opened", "info event", nil)
	l.Warning("session_expired", "warn event", nil)
	l.Error("dispatch_failed", "error event", nil)

	if len(alerter.calls) != 2 {
		t.Fatalf("expected alerter called for Warning and Error only, got %d calls", len(alerter.calls))
	}
}
