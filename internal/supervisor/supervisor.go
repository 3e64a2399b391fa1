package supervisor

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/opcua-server/internal/bufferpool"
	"github.com/adred-codev/opcua-server/internal/cryptopolicy"
	"github.com/adred-codev/opcua-server/internal/dispatcher"
	"github.com/adred-codev/opcua-server/internal/resourceguard"
	"github.com/adred-codev/opcua-server/internal/shard"
	"github.com/adred-codev/opcua-server/internal/workerpool"
)

// DefaultHighWatermarkBytes is the per-connection outbound queue ceiling
// named in SPEC_FULL.md §5 EXPANSION ("back-pressure close with
// BadTcpNotEnoughResources at a configurable high-watermark, default 16
// MiB").
const DefaultHighWatermarkBytes = 16 * 1024 * 1024

// Supervisor owns the listening socket and the accept loop, admitting
// connections through a resourceguard.Guard before handing each one a
// Shard to run against.
type Supervisor struct {
	listener net.Listener
	guard    *resourceguard.Guard
	shards   *shard.Registry
	table    *dispatcher.Table
	policy   cryptopolicy.Policy
	pool     *bufferpool.Pool
	workers  *workerpool.Pool
	logger   *zap.Logger

	maxConnections int
	highWatermark  int64

	nextConnID int64 // atomic

	connections    sync.Map // map[uint32]*Connection
	currentConns   int64    // atomic, shared with resourceguard.Guard

	wg     sync.WaitGroup
	closed int32 // atomic
}

// New creates a Supervisor bound to an already-listening socket. guard may
// be nil at construction time (see SetGuard): resourceguard.New itself
// needs a pointer into this Supervisor's own connection counter, so the
// usual wiring order is New(..., nil, ...), ConnectionsCounter(),
// resourceguard.New(...), SetGuard(...).
func New(listener net.Listener, guard *resourceguard.Guard, shards *shard.Registry, table *dispatcher.Table,
	policy cryptopolicy.Policy, pool *bufferpool.Pool, workers *workerpool.Pool, maxConnections int, highWatermark int64, logger *zap.Logger) *Supervisor {
	if highWatermark <= 0 {
		highWatermark = DefaultHighWatermarkBytes
	}
	return &Supervisor{
		listener:       listener,
		guard:          guard,
		shards:         shards,
		table:          table,
		policy:         policy,
		pool:           pool,
		workers:        workers,
		maxConnections: maxConnections,
		highWatermark:  highWatermark,
		logger:         logger.Named("supervisor"),
	}
}

// SetGuard installs the Resource Guard after construction, closing the
// wiring-order gap documented on New.
func (sv *Supervisor) SetGuard(g *resourceguard.Guard) { sv.guard = g }

// Serve runs the accept loop until the listener is closed, mirroring
// server.go's "go func() { server.Serve(listener) }()" pattern but for a
// raw net.Listener instead of an http.Server.
func (sv *Supervisor) Serve() error {
	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if atomic.LoadInt32(&sv.closed) == 1 {
				return nil
			}
			return err
		}

		accept, reason := sv.guard.ShouldAccept(sv.maxConnections)
		if !accept {
			sv.logger.Warn("connection rejected by resource guard", zap.String("reason", reason))
			conn.Close()
			continue
		}

		id := uint32(atomic.AddInt64(&sv.nextConnID, 1))
		atomic.AddInt64(&sv.currentConns, 1)
		sh := sv.shards.Assign(id)

		c := newConnection(id, conn, sv.pool, sv.workers, sv.policy, sv.table, sh, sv.highWatermark, sv.logger)
		sv.connections.Store(id, c)

		sv.wg.Add(1)
		go func() {
			defer sv.wg.Done()
			defer func() {
				sv.connections.Delete(id)
				atomic.AddInt64(&sv.currentConns, -1)
				sv.shards.ReleaseChannel(id)
			}()
			c.run()
		}()
	}
}

// CurrentConnections exposes the live connection count for resourceguard.
func (sv *Supervisor) CurrentConnections() int64 { return atomic.LoadInt64(&sv.currentConns) }

// ConnectionsCounter exposes the backing counter so a resourceguard.Guard
// constructed alongside this Supervisor can read the same live value
// (resourceguard.New takes a *int64, not an accessor interface).
func (sv *Supervisor) ConnectionsCounter() *int64 { return &sv.currentConns }

// Shutdown stops accepting new connections, closes every live connection,
// and waits up to gracePeriod for their goroutines to exit. Per spec.md §8
// scenario 6, closing a connection only detaches its session from the
// channel; it does not delete the session, so a client reconnecting before
// the session times out still finds its subscriptions intact.
func (sv *Supervisor) Shutdown(gracePeriod time.Duration) {
	atomic.StoreInt32(&sv.closed, 1)
	sv.listener.Close()

	sv.connections.Range(func(_, v interface{}) bool {
		v.(*Connection).closeConnection()
		return true
	})

	done := make(chan struct{})
	go func() {
		sv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(gracePeriod):
		sv.logger.Warn("shutdown grace period elapsed with connections still draining")
	}
}
