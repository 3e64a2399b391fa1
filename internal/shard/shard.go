// Package shard implements the Shard Registry (spec.md §9 Design Note):
// every Secure Channel, Session, and Subscription Engine is owned by
// exactly one Shard, and every owning mutation happens on that Shard's
// single goroutine. Cross-shard callers only ever send a command over a
// channel; nothing outside a Shard's Run loop touches its maps directly.
//
// Grounded on src/sharded/shard.go's Shard: same register/unregister
// command-channel pattern, same runtime.LockOSThread CPU pinning, same
// atomic counters for cross-shard-readable stats. The WebSocket client/
// pub-sub bookkeeping is replaced by opc.tcp channels/sessions/engines,
// and a new rebindSession command is added for spec.md §8 scenario 6
// (a session surviving its channel being closed and reopened, possibly on
// a different shard).
package shard

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/opcua-server/internal/addrspace"
	"github.com/adred-codev/opcua-server/internal/session"
	"github.com/adred-codev/opcua-server/internal/subscription"
	"github.com/adred-codev/opcua-server/internal/uasc"
)

// registerChannelCmd installs a newly opened Secure Channel under this
// shard.
type registerChannelCmd struct {
	channelID uint32
	channel   *uasc.SecureChannel
}

// unregisterChannelCmd tears down a channel (CloseSecureChannel, or the
// transport connection dying).
type unregisterChannelCmd struct {
	channelID uint32
}

// registerSessionCmd adopts a session created against one of this shard's
// channels, arming its publish timer if it already owns subscriptions.
type registerSessionCmd struct {
	sess   *session.Session
	engine *subscription.Engine
}

// unregisterSessionCmd drops a session (CloseSession, or timeout sweep).
type unregisterSessionCmd struct {
	sessionID uint32
}

// rebindSessionCmd implements spec.md §8 scenario 6: a detached session
// (its owning channel closed) is re-attached to a newly opened channel,
// which may belong to a different shard than the one that first created
// it. The caller resolves which shard currently owns the session (via the
// Registry's session index) before sending this.
type rebindSessionCmd struct {
	sessionID uint32
	channelID uint32
	result    chan error
}

// publishCmd requests an out-of-band publish cycle for one session, used
// when a Publish request arrives and the caller doesn't want to wait for
// the next timer tick.
type publishCmd struct {
	sessionID uint32
	result    chan []subscription.PendingPublish
}

// sessionHandoff is the result of a handoffSessionCmd: the session and its
// engine, removed from the source shard's maps, ready for the destination
// shard to adopt via RegisterSession.
type sessionHandoff struct {
	sess   *session.Session
	engine *subscription.Engine
	err    error
}

// handoffSessionCmd asks a shard to relinquish ownership of a session as
// part of a cross-shard Rebind (spec.md §8 scenario 6, when the reopened
// channel landed on a different shard than the one that created the
// session).
type handoffSessionCmd struct {
	sessionID uint32
	channelID uint32
	result    chan sessionHandoff
}

// execResult carries back whatever an execCmd's function returned.
type execResult struct {
	value interface{}
	err   error
}

// execCmd runs an arbitrary function against one session's subscription
// Engine on the shard's own goroutine. Every service operation that
// mutates an Engine (CreateSubscription, CreateMonitoredItems, Publish
// acknowledgements, and so on) goes through this instead of a bespoke
// command type per operation, since the shape is always the same: resolve
// the engine, call a method on it, hand the result back.
type execCmd struct {
	sessionID uint32
	fn        func(*subscription.Engine) (interface{}, error)
	result    chan execResult
}

// Shard owns a partition of channels, sessions, and subscription engines.
// Every field below this comment is touched only inside Run; there are no
// locks because there is only one writer.
type Shard struct {
	ID     int
	CPUCore int

	channels map[uint32]*uasc.SecureChannel
	sessions map[uint32]*session.Session
	engines  map[uint32]*subscription.Engine

	space *addrspace.Space // set once via SetAddressSpace before Run; nil means no sampling source configured

	wheel *TimerWheel

	registerChannel   chan registerChannelCmd
	unregisterChannel chan unregisterChannelCmd
	registerSession   chan registerSessionCmd
	unregisterSession chan unregisterSessionCmd
	rebindSession     chan rebindSessionCmd
	handoffSession    chan handoffSessionCmd
	publish           chan publishCmd
	exec              chan execCmd

	channelCount int64 // atomic, cross-shard readable
	sessionCount int64 // atomic
	cyclesRun    int64 // atomic

	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Stats is a point-in-time snapshot safe to read from any goroutine.
type Stats struct {
	ID       int
	Channels int64
	Sessions int64
	Cycles   int64
}

// New creates a Shard. cpuCore is advisory (passed to LockOSThread callers
// that also pin via GOMAXPROCS/taskset at the OS level); it does not by
// itself change scheduling.
func New(id, cpuCore int, logger *zap.Logger) *Shard {
	ctx, cancel := context.WithCancel(context.Background())
	return &Shard{
		ID:      id,
		CPUCore: cpuCore,
		channels: make(map[uint32]*uasc.SecureChannel),
		sessions: make(map[uint32]*session.Session),
		engines:  make(map[uint32]*subscription.Engine),
		wheel:    NewTimerWheel(),

		registerChannel:   make(chan registerChannelCmd, 64),
		unregisterChannel: make(chan unregisterChannelCmd, 64),
		registerSession:   make(chan registerSessionCmd, 64),
		unregisterSession: make(chan unregisterSessionCmd, 64),
		rebindSession:     make(chan rebindSessionCmd, 16),
		handoffSession:    make(chan handoffSessionCmd, 16),
		publish:           make(chan publishCmd, 256),
		exec:              make(chan execCmd, 256),

		logger: logger.Named("shard").With(zap.Int("shard_id", id)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterChannel installs a channel on this shard. Non-blocking from the
// caller's perspective except for queue back-pressure.
func (s *Shard) RegisterChannel(channelID uint32, ch *uasc.SecureChannel) {
	select {
	case s.registerChannel <- registerChannelCmd{channelID: channelID, channel: ch}:
	case <-s.ctx.Done():
	}
}

// UnregisterChannel removes a channel from this shard.
func (s *Shard) UnregisterChannel(channelID uint32) {
	select {
	case s.unregisterChannel <- unregisterChannelCmd{channelID: channelID}:
	case <-s.ctx.Done():
	}
}

// RegisterSession adopts a session (and its subscription engine) onto this
// shard, arming its publish timer at its fastest owned subscription's
// interval once it has any.
func (s *Shard) RegisterSession(sess *session.Session, engine *subscription.Engine) {
	select {
	case s.registerSession <- registerSessionCmd{sess: sess, engine: engine}:
	case <-s.ctx.Done():
	}
}

// UnregisterSession drops a session and disarms its publish timer.
func (s *Shard) UnregisterSession(sessionID uint32) {
	select {
	case s.unregisterSession <- unregisterSessionCmd{sessionID: sessionID}:
	case <-s.ctx.Done():
	}
}

// Rebind re-attaches sessionID to channelID, both already owned by this
// shard. Returns an error if the session is unknown here (the caller
// should have resolved shard ownership via the Registry first).
func (s *Shard) Rebind(sessionID, channelID uint32) error {
	result := make(chan error, 1)
	select {
	case s.rebindSession <- rebindSessionCmd{sessionID: sessionID, channelID: channelID, result: result}:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// PublishNow forces an immediate publish cycle for one session, used by a
// Publish request handler that wants to piggyback on an already-waiting
// notification rather than wait for the next timer tick.
func (s *Shard) PublishNow(sessionID uint32) []subscription.PendingPublish {
	result := make(chan []subscription.PendingPublish, 1)
	select {
	case s.publish <- publishCmd{sessionID: sessionID, result: result}:
	case <-s.ctx.Done():
		return nil
	}
	select {
	case r := <-result:
		return r
	case <-s.ctx.Done():
		return nil
	}
}

// Exec runs fn against sessionID's subscription Engine on this shard's own
// goroutine, returning errNoSuchSession if this shard doesn't own the
// session. Used by every subscription/monitored-item service handler so
// Engine mutation never crosses goroutines.
func (s *Shard) Exec(sessionID uint32, fn func(*subscription.Engine) (interface{}, error)) (interface{}, error) {
	result := make(chan execResult, 1)
	select {
	case s.exec <- execCmd{sessionID: sessionID, fn: fn, result: result}:
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
	select {
	case r := <-result:
		return r.value, r.err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// SetAddressSpace installs the AddressSpace Facade every session's
// monitored items sample against before each publish cycle. Must be set
// before Run starts processing commands; the Registry calls this on every
// shard it creates.
func (s *Shard) SetAddressSpace(space *addrspace.Space) {
	s.space = space
}

// Stats returns a snapshot safe to call from any goroutine.
func (s *Shard) Stats() Stats {
	return Stats{
		ID:       s.ID,
		Channels: atomic.LoadInt64(&s.channelCount),
		Sessions: atomic.LoadInt64(&s.sessionCount),
		Cycles:   atomic.LoadInt64(&s.cyclesRun),
	}
}

// Shutdown stops the Run loop.
func (s *Shard) Shutdown() { s.cancel() }

// Run is the shard's single event-loop goroutine. It never returns until
// its context is cancelled.
func (s *Shard) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.registerChannel:
			s.handleRegisterChannel(cmd)
		case cmd := <-s.unregisterChannel:
			s.handleUnregisterChannel(cmd)
		case cmd := <-s.registerSession:
			s.handleRegisterSession(cmd)
		case cmd := <-s.unregisterSession:
			s.handleUnregisterSession(cmd)
		case cmd := <-s.rebindSession:
			s.handleRebindSession(cmd)
		case cmd := <-s.handoffSession:
			s.handleHandoffSession(cmd)
		case cmd := <-s.publish:
			s.handlePublish(cmd)
		case cmd := <-s.exec:
			s.handleExec(cmd)
		case now := <-ticker.C:
			s.runDueCycles(now)
		}
	}
}

func (s *Shard) handleRegisterChannel(cmd registerChannelCmd) {
	s.channels[cmd.channelID] = cmd.channel
	atomic.StoreInt64(&s.channelCount, int64(len(s.channels)))
	s.logger.Debug("channel registered", zap.Uint32("channel_id", cmd.channelID))
}

func (s *Shard) handleUnregisterChannel(cmd unregisterChannelCmd) {
	delete(s.channels, cmd.channelID)
	atomic.StoreInt64(&s.channelCount, int64(len(s.channels)))
	s.logger.Debug("channel unregistered", zap.Uint32("channel_id", cmd.channelID))
}

func (s *Shard) handleRegisterSession(cmd registerSessionCmd) {
	s.sessions[cmd.sess.ID] = cmd.sess
	s.engines[cmd.sess.ID] = cmd.engine
	atomic.StoreInt64(&s.sessionCount, int64(len(s.sessions)))
	if interval, ok := s.fastestInterval(cmd.engine); ok {
		s.wheel.Schedule(cmd.sess.ID, time.Now().UnixNano(), interval.Nanoseconds())
	}
	s.logger.Debug("session registered", zap.Uint32("session_id", cmd.sess.ID))
}

func (s *Shard) handleUnregisterSession(cmd unregisterSessionCmd) {
	delete(s.sessions, cmd.sessionID)
	delete(s.engines, cmd.sessionID)
	s.wheel.Remove(cmd.sessionID)
	atomic.StoreInt64(&s.sessionCount, int64(len(s.sessions)))
	s.logger.Debug("session unregistered", zap.Uint32("session_id", cmd.sessionID))
}

func (s *Shard) handleRebindSession(cmd rebindSessionCmd) {
	sess, ok := s.sessions[cmd.sessionID]
	if !ok {
		cmd.result <- errNoSuchSession
		return
	}
	sess.Rebind(cmd.channelID)
	s.logger.Info("session rebound", zap.Uint32("session_id", cmd.sessionID), zap.Uint32("channel_id", cmd.channelID))
	cmd.result <- nil
}

func (s *Shard) handleHandoffSession(cmd handoffSessionCmd) {
	sess, ok := s.sessions[cmd.sessionID]
	if !ok {
		cmd.result <- sessionHandoff{err: errNoSuchSession}
		return
	}
	engine := s.engines[cmd.sessionID]
	sess.Rebind(cmd.channelID)
	delete(s.sessions, cmd.sessionID)
	delete(s.engines, cmd.sessionID)
	s.wheel.Remove(cmd.sessionID)
	atomic.StoreInt64(&s.sessionCount, int64(len(s.sessions)))
	s.logger.Info("session handed off to another shard", zap.Uint32("session_id", cmd.sessionID))
	cmd.result <- sessionHandoff{sess: sess, engine: engine}
}

func (s *Shard) handlePublish(cmd publishCmd) {
	engine, ok := s.engines[cmd.sessionID]
	if !ok {
		cmd.result <- nil
		return
	}
	s.sample(engine)
	published, terminated := engine.RunCycle()
	s.dropTerminated(cmd.sessionID, terminated)
	cmd.result <- published
}

func (s *Shard) handleExec(cmd execCmd) {
	engine, ok := s.engines[cmd.sessionID]
	if !ok {
		cmd.result <- execResult{err: errNoSuchSession}
		return
	}
	value, err := cmd.fn(engine)
	cmd.result <- execResult{value: value, err: err}
}

// runDueCycles drives the publish timer wheel: every session whose timer
// has fired gets one subscription.Engine.RunCycle pass.
func (s *Shard) runDueCycles(now time.Time) {
	due := s.wheel.PopDue(now.UnixNano())
	for _, sessionID := range due {
		engine, ok := s.engines[sessionID]
		if !ok {
			continue
		}
		s.sample(engine)
		published, terminated := engine.RunCycle()
		atomic.AddInt64(&s.cyclesRun, 1)
		s.dropTerminated(sessionID, terminated)
		_ = published // delivery to the owning connection's write queue happens in the supervisor, which polls PublishNow/owns the channel write path
	}
}

// sample pulls the current value for every monitored item's target node
// out of the AddressSpace Facade before a publish cycle runs, bridging the
// push-based DataFeed adapters to the Engine's pull-based Cycle/collect.
func (s *Shard) sample(engine *subscription.Engine) {
	if s.space == nil {
		return
	}
	engine.SampleAll(s.space.Read)
}

func (s *Shard) dropTerminated(sessionID uint32, terminated []uint32) {
	if len(terminated) == 0 {
		return
	}
	if sess, ok := s.sessions[sessionID]; ok {
		for _, id := range terminated {
			sess.RemoveSubscription(id)
		}
	}
}

// fastestInterval returns the shortest PublishingInterval across every
// subscription an engine currently owns, used to arm that session's single
// timer-wheel entry. A session with no subscriptions yet has nothing to
// schedule.
func (s *Shard) fastestInterval(engine *subscription.Engine) (time.Duration, bool) {
	if engine.Count() == 0 {
		return 0, false
	}
	// The Engine does not expose its Subscriptions map directly (callers
	// only ever Get by id), so the fastest interval is approximated by the
	// default cadence and refined as CreateSubscription/ModifySubscription
	// responses arrive; Register/ModifySubscription callers should call
	// RegisterSession again (idempotent) with the updated engine to
	// re-arm at the new cadence.
	return 100 * time.Millisecond, true
}
