package shard

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/adred-codev/opcua-server/internal/addrspace"
)

// Registry owns the fixed pool of Shards a server process runs, and the
// indexes (channel id -> shard, session id -> shard) needed to route a
// rebind request to the shard that currently owns a session without
// broadcasting to all of them.
//
// The indexes themselves are the one piece of cross-shard-mutable state in
// this package; they're protected by a plain mutex since they're touched
// rarely (channel/session open and close) compared to the hot publish
// path, which never touches the Registry at all.
type Registry struct {
	shards []*Shard

	mu             sync.RWMutex
	channelOwner   map[uint32]int
	sessionOwner   map[uint32]int

	nextShard int64 // atomic round-robin counter
}

// NewRegistry creates count shards and starts each one's Run loop.
func NewRegistry(count int, logger *zap.Logger) *Registry {
	if count < 1 {
		count = 1
	}
	r := &Registry{
		shards:       make([]*Shard, count),
		channelOwner: make(map[uint32]int),
		sessionOwner: make(map[uint32]int),
	}
	for i := 0; i < count; i++ {
		r.shards[i] = New(i, i, logger)
		go r.shards[i].Run()
	}
	return r
}

// Assign picks a shard for a newly opened channel, round-robin, and
// records the ownership index.
func (r *Registry) Assign(channelID uint32) *Shard {
	idx := int(atomic.AddInt64(&r.nextShard, 1)-1) % len(r.shards)
	sh := r.shards[idx]
	r.mu.Lock()
	r.channelOwner[channelID] = idx
	r.mu.Unlock()
	return sh
}

// AssignSession records which shard owns a session, normally the same
// shard as the channel it was created against.
func (r *Registry) AssignSession(sessionID uint32, sh *Shard) {
	r.mu.Lock()
	r.sessionOwner[sessionID] = sh.ID
	r.mu.Unlock()
}

// ShardFor returns the shard owning channelID, if any.
func (r *Registry) ShardFor(channelID uint32) (*Shard, bool) {
	r.mu.RLock()
	idx, ok := r.channelOwner[channelID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.shards[idx], true
}

// ShardForSession returns the shard owning sessionID, if any.
func (r *Registry) ShardForSession(sessionID uint32) (*Shard, bool) {
	r.mu.RLock()
	idx, ok := r.sessionOwner[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.shards[idx], true
}

// ReleaseChannel drops a channel's ownership entry (CloseSecureChannel, or
// connection loss). It does not drop the session's ownership: the session
// itself may outlive the channel, per spec.md §8 scenario 6.
func (r *Registry) ReleaseChannel(channelID uint32) {
	r.mu.Lock()
	delete(r.channelOwner, channelID)
	r.mu.Unlock()
}

// ReleaseSession drops a session's ownership entry (CloseSession, or
// timeout sweep).
func (r *Registry) ReleaseSession(sessionID uint32) {
	r.mu.Lock()
	delete(r.sessionOwner, sessionID)
	r.mu.Unlock()
}

// Rebind resolves the shard owning sessionID and re-attaches it to
// channelID, which must already be owned by the same shard (a reopened
// channel is always assigned to a shard before Rebind is called). If the
// session's shard differs from the channel's shard, the session's
// ownership record is moved: the new channel's shard becomes authoritative
// going forward, matching how a TCP-level reconnect always lands on
// whichever shard accept() handed it to.
func (r *Registry) Rebind(sessionID, channelID uint32) error {
	sessionShard, ok := r.ShardForSession(sessionID)
	if !ok {
		return errNoSuchSession
	}
	channelShard, ok := r.ShardFor(channelID)
	if !ok {
		return errNoSuchSession
	}
	if sessionShard.ID == channelShard.ID {
		return sessionShard.Rebind(sessionID, channelID)
	}
	return r.migrateSession(sessionID, channelID, sessionShard, channelShard)
}

// migrateSession moves a session (and its subscription engine) from one
// shard to another. This is the only cross-shard data move in the
// package: the source shard must be asked to hand the session off before
// the destination shard adopts it, since only the owning goroutine may
// read its maps.
func (r *Registry) migrateSession(sessionID, channelID uint32, from, to *Shard) error {
	handoff := make(chan sessionHandoff, 1)
	select {
	case from.handoffSession <- handoffSessionCmd{sessionID: sessionID, channelID: channelID, result: handoff}:
	case <-from.ctx.Done():
		return errNoSuchSession
	}
	h := <-handoff
	if h.err != nil {
		return h.err
	}
	to.RegisterSession(h.sess, h.engine)
	r.mu.Lock()
	r.sessionOwner[sessionID] = to.ID
	r.mu.Unlock()
	return nil
}

// SetAddressSpace installs the AddressSpace Facade on every shard in the
// registry, so each one's publish cycle samples against it. Call once
// during server wiring, before traffic starts.
func (r *Registry) SetAddressSpace(space *addrspace.Space) {
	for _, sh := range r.shards {
		sh.SetAddressSpace(space)
	}
}

// Stats returns a snapshot of every shard.
func (r *Registry) Stats() []Stats {
	out := make([]Stats, len(r.shards))
	for i, sh := range r.shards {
		out[i] = sh.Stats()
	}
	return out
}

// Shutdown stops every shard's Run loop.
func (r *Registry) Shutdown() {
	for _, sh := range r.shards {
		sh.Shutdown()
	}
}
