package shard

import "container/heap"

// publishTimer is one (next-fire-time, session-id) entry in a Shard's
// publish timer wheel, per spec.md §9 Design Note ("rather than one timer
// task per subscription, a min-heap of (next-fire-time, subscription-id)
// driven by a single timer wheel per worker"). Generalized here to key by
// session id since the Subscription Engine (component E) runs its publish
// cycle per session (SPEC_FULL.md §9 Open Question 2 resolution), driving
// every subscription that session owns in one pass.
type publishTimer struct {
	fireAtNanos int64
	sessionID   uint32
	interval    int64 // nanoseconds, re-armed after each fire
	index       int
}

// timerHeap is a container/heap min-heap ordered by fireAtNanos.
type timerHeap []*publishTimer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].fireAtNanos < h[j].fireAtNanos }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*publishTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerWheel owns the min-heap and the session-id -> entry index so a
// session's publish interval can be updated or removed in O(log n).
type TimerWheel struct {
	h       timerHeap
	bySession map[uint32]*publishTimer
}

// NewTimerWheel creates an empty wheel.
func NewTimerWheel() *TimerWheel {
	return &TimerWheel{bySession: make(map[uint32]*publishTimer)}
}

// Schedule arms or re-arms the publish timer for sessionID to next fire at
// nowNanos+intervalNanos, and every intervalNanos thereafter until removed.
func (w *TimerWheel) Schedule(sessionID uint32, nowNanos, intervalNanos int64) {
	if t, ok := w.bySession[sessionID]; ok {
		t.interval = intervalNanos
		t.fireAtNanos = nowNanos + intervalNanos
		heap.Fix(&w.h, t.index)
		return
	}
	t := &publishTimer{fireAtNanos: nowNanos + intervalNanos, sessionID: sessionID, interval: intervalNanos}
	w.bySession[sessionID] = t
	heap.Push(&w.h, t)
}

// Remove unarms sessionID's timer entirely (session closed or has no more
// subscriptions).
func (w *TimerWheel) Remove(sessionID uint32) {
	t, ok := w.bySession[sessionID]
	if !ok {
		return
	}
	heap.Remove(&w.h, t.index)
	delete(w.bySession, sessionID)
}

// NextFireNanos reports the earliest scheduled fire time, or false if the
// wheel is empty.
func (w *TimerWheel) NextFireNanos() (int64, bool) {
	if len(w.h) == 0 {
		return 0, false
	}
	return w.h[0].fireAtNanos, true
}

// PopDue removes and returns every session id whose timer has fired as of
// nowNanos, re-arming each for its next interval.
func (w *TimerWheel) PopDue(nowNanos int64) []uint32 {
	var due []uint32
	for len(w.h) > 0 && w.h[0].fireAtNanos <= nowNanos {
		t := w.h[0]
		due = append(due, t.sessionID)
		t.fireAtNanos = nowNanos + t.interval
		heap.Fix(&w.h, 0)
	}
	return due
}
