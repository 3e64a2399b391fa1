// Package resourceguard implements the Resource Guard (component J):
// static admission limits, connection-rate limiting, and a goroutine
// semaphore, enforced ahead of the Connection Supervisor's accept loop.
// Grounded on src/resource_guard.go's ResourceGuard, generalized from
// CPU/memory/NATS-rate gates to the OPC UA admission knobs named in
// SPEC_FULL.md §2 (component J) and §9 Open Question 1, and ported from
// zerolog to zap.
package resourceguard

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adred-codev/opcua-server/internal/config"
)

// GoroutineLimiter bounds concurrent goroutines via a buffered-channel
// semaphore, direct port of src/resource_guard.go's GoroutineLimiter.
type GoroutineLimiter struct {
	sem chan struct{}
	max int
}

// NewGoroutineLimiter creates a limiter admitting at most max concurrent
// holders.
func NewGoroutineLimiter(max int) *GoroutineLimiter {
	return &GoroutineLimiter{sem: make(chan struct{}, max), max: max}
}

// Acquire attempts to take a slot, returning false if at capacity.
func (gl *GoroutineLimiter) Acquire() bool {
	select {
	case gl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot.
func (gl *GoroutineLimiter) Release() { <-gl.sem }

// Current reports how many slots are currently held.
func (gl *GoroutineLimiter) Current() int { return len(gl.sem) }

// Max reports the configured capacity.
func (gl *GoroutineLimiter) Max() int { return gl.max }

// Guard enforces static admission limits ahead of the accept loop:
// max connections, CPU emergency brakes, and a connection-rate
// limiter (spec.md §5, §9 Open Question 1).
type Guard struct {
	cfg    config.ResourceConfig
	logger *zap.Logger

	connectLimiter   *rate.Limiter
	goroutineLimiter *GoroutineLimiter

	currentCPU atomic.Value // float64
	currentConns *int64      // pointer into the caller's live connection counter
}

// New creates a Guard. currentConns must point at the Connection
// Supervisor's live connection counter (Supervisor.ConnectionsCounter) so ShouldAccept can read it without a callback.
func New(cfg config.ResourceConfig, logger *zap.Logger, currentConns *int64) *Guard {
	g := &Guard{
		cfg:              cfg,
		logger:           logger,
		connectLimiter:   rate.NewLimiter(rate.Limit(cfg.MaxConnectRate), int(cfg.MaxConnectRate*2)),
		goroutineLimiter: NewGoroutineLimiter(cfg.MaxGoroutines),
		currentConns:     currentConns,
	}
	g.currentCPU.Store(0.0)
	return g
}

// MonitorCPU polls system CPU usage every interval and updates the
// emergency-brake gate, until ctx is cancelled. Grounded on
// src/resource_guard.go's gopsutil-based CPU sampling loop.
func (g *Guard) MonitorCPU(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(percents) == 0 {
				continue
			}
			g.currentCPU.Store(percents[0])
		}
	}
}

// ShouldAccept decides whether a new connection may be admitted, checking
// (in order) the hard connection limit, the connect-rate limiter, the CPU
// emergency brake, and the goroutine limiter.
func (g *Guard) ShouldAccept(maxConnections int) (accept bool, reason string) {
	current := atomic.LoadInt64(g.currentConns)
	if current >= int64(maxConnections) {
		g.logger.Warn("connection rejected: at max connections", zap.Int64("current", current), zap.Int("max", maxConnections))
		return false, fmt.Sprintf("at max connections (%d)", maxConnections)
	}

	if !g.connectLimiter.Allow() {
		g.logger.Warn("connection rejected: connect rate exceeded")
		return false, "connect rate exceeded"
	}

	cpuPct := g.currentCPU.Load().(float64)
	if cpuPct > g.cfg.CPURejectThreshold {
		g.logger.Warn("connection rejected: cpu overload", zap.Float64("cpu", cpuPct), zap.Float64("threshold", g.cfg.CPURejectThreshold))
		return false, fmt.Sprintf("cpu overload (%.1f%%)", cpuPct)
	}

	if g.goroutineLimiter.Current() >= g.goroutineLimiter.Max() {
		g.logger.Warn("connection rejected: goroutine limit reached", zap.Int("max", g.goroutineLimiter.Max()))
		return false, "goroutine limit reached"
	}

	return true, ""
}

// PausedForCPU reports whether CPU usage currently exceeds the pause
// threshold, the signal the Shard Registry uses to pause pulling new
// AddressSpace change notifications under load.
func (g *Guard) PausedForCPU() bool {
	return g.currentCPU.Load().(float64) > g.cfg.CPUPauseThreshold
}

// Goroutines exposes the goroutine limiter for the caller to Acquire/Release
// around the lifetime of one connection's tasks.
func (g *Guard) Goroutines() *GoroutineLimiter {
	return g.goroutineLimiter
}

// RuntimeGoroutineCount reports runtime.NumGoroutine(), used for metrics
// and logging alongside the semaphore's own Current().
func RuntimeGoroutineCount() int {
	return runtime.NumGoroutine()
}
