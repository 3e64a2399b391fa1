package shard

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/opcua-server/internal/session"
	"github.com/adred-codev/opcua-server/internal/subscription"
)

func newTestRegistry(t *testing.T, shardCount int) *Registry {
	t.Helper()
	r := NewRegistry(shardCount, zap.NewNop())
	t.Cleanup(r.Shutdown)
	return r
}

func newTestSession(id uint32) *session.Session {
	return &session.Session{
		ID:              id,
		AuthenticationToken: []byte("token"),
		Timeout:         time.Minute,
		SubscriptionIDs: make(map[uint32]struct{}),
	}
}

func TestRegistryAssignRoundRobins(t *testing.T) {
	r := newTestRegistry(t, 2)
	sh1 := r.Assign(1)
	sh2 := r.Assign(2)
	sh3 := r.Assign(3)
	if sh1.ID == sh2.ID {
		t.Fatalf("expected round-robin across 2 shards, got same shard twice in a row")
	}
	if sh1.ID != sh3.ID {
		t.Fatalf("expected round-robin to wrap back to shard %d, got %d", sh1.ID, sh3.ID)
	}
}

func TestShardRegisterAndRebindSameShard(t *testing.T) {
	r := newTestRegistry(t, 1)
	sh := r.Assign(100)
	sess := newTestSession(1)
	engine := subscription.NewEngine(sess.ID)
	sh.RegisterSession(sess, engine)
	r.AssignSession(sess.ID, sh)
	waitForSessionCount(t, sh, 1)

	r.Assign(200) // reopened channel, same single shard
	if err := r.Rebind(sess.ID, 200); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	sess.Touch(time.Now())
	if sess.ChannelID != 200 {
		t.Fatalf("expected session rebound to channel 200, got %d", sess.ChannelID)
	}
}

func TestShardRebindUnknownSessionErrors(t *testing.T) {
	r := newTestRegistry(t, 1)
	r.Assign(1)
	if err := r.Rebind(999, 1); err == nil {
		t.Fatalf("expected error rebinding an unknown session")
	}
}

func TestRegistryMigratesSessionAcrossShards(t *testing.T) {
	r := newTestRegistry(t, 2)
	// Force channel 1 and channel 2 onto different shards explicitly.
	r.mu.Lock()
	r.channelOwner[1] = 0
	r.channelOwner[2] = 1
	r.mu.Unlock()

	sess := newTestSession(7)
	engine := subscription.NewEngine(sess.ID)
	r.shards[0].RegisterSession(sess, engine)
	r.AssignSession(sess.ID, r.shards[0])
	waitForSessionCount(t, r.shards[0], 1)

	if err := r.Rebind(sess.ID, 2); err != nil {
		t.Fatalf("cross-shard Rebind: %v", err)
	}

	owner, ok := r.ShardForSession(sess.ID)
	if !ok || owner.ID != r.shards[1].ID {
		t.Fatalf("expected session ownership to migrate to shard 1, got %+v ok=%v", owner, ok)
	}
}

func waitForSessionCount(t *testing.T, sh *Shard, want int64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sh.Stats().Sessions == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("shard %d never reached session count %d, stats=%+v", sh.ID, want, sh.Stats())
}

func TestShardStatsReflectRegistrations(t *testing.T) {
	r := newTestRegistry(t, 1)
	sh := r.Assign(1)
	sess := newTestSession(1)
	engine := subscription.NewEngine(sess.ID)
	sh.RegisterSession(sess, engine)

	// Give the shard's goroutine a moment to process the buffered command.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sh.Stats().Sessions == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected shard stats to report 1 session, got %+v", sh.Stats())
}
