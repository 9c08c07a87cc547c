// Package scheduler implements the cooperative timer collaborator a Node
// drives from its own Tick loop instead of spawning a goroutine per
// timeout, using a container/heap min-heap of deadlines.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/icebft/core/internal/bft"
)

type timer struct {
	at     time.Time
	fn     func()
	handle bft.TimerHandle
	index  int
	cancelled bool
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Clock is a bft.Scheduler whose due timers are only ever invoked by an
// explicit PopDue call, keeping the entire protocol single-threaded: the
// Node, not the scheduler, decides when callbacks run.
type Clock struct {
	mu      sync.Mutex
	heap    timerHeap
	nextID  bft.TimerHandle
	byID    map[bft.TimerHandle]*timer
	nowFunc func() time.Time
}

// New builds a Clock. If nowFunc is nil, time.Now is used; tests pass a
// fake clock to drive timers deterministically.
func New(nowFunc func() time.Time) *Clock {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Clock{byID: make(map[bft.TimerHandle]*timer), nowFunc: nowFunc}
}

var _ bft.Scheduler = (*Clock)(nil)

// Now returns the scheduler's notion of the current time.
func (c *Clock) Now() time.Time {
	return c.nowFunc()
}

// Schedule arms fn to run no earlier than at, returning a handle Cancel
// accepts.
func (c *Clock) Schedule(at time.Time, fn func()) bft.TimerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &timer{at: at, fn: fn, handle: c.nextID}
	c.byID[t.handle] = t
	heap.Push(&c.heap, t)
	return t.handle
}

// Cancel prevents a previously scheduled timer from firing, if it has not
// already been popped.
func (c *Clock) Cancel(h bft.TimerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.byID[h]; ok {
		t.cancelled = true
		delete(c.byID, h)
	}
}

// PopDue removes and returns every timer due at or before now, in
// deadline order. The Node calls this once per Tick; callbacks are
// returned rather than invoked so the caller controls exactly when they
// run relative to inbound-message dispatch.
func (c *Clock) PopDue(now time.Time) []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []func()
	for c.heap.Len() > 0 && !c.heap[0].at.After(now) {
		t := heap.Pop(&c.heap).(*timer)
		delete(c.byID, t.handle)
		if !t.cancelled {
			due = append(due, t.fn)
		}
	}
	return due
}

// Pending reports how many timers are still in the heap, including
// cancelled ones that PopDue has not yet removed.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heap.Len()
}
