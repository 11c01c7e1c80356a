// Package ratelimit provides the admission gate shared by every outbound
// model call: a token-bucket or fixed-window budget, a priority queue for
// callers waiting on capacity, and adaptive back-off when upstream throttles.
package ratelimit

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewforge/crewforge/core"
)

// Controller is the admission gate for outbound model calls. Admit never
// fails on its own; it resolves only when the caller may proceed or ctx is
// cancelled.
type Controller interface {
	Admit(ctx context.Context, priority int) error
	MarkCompleted(durationMs int64)
	MarkThrottled()
	CurrentRpm() int
}

// Algorithm selects which admission strategy a Controller uses.
type Algorithm string

const (
	TokenBucket Algorithm = "token_bucket"
	FixedWindow Algorithm = "fixed_window"
)

// Options configures a Controller.
type Options struct {
	MaxRPM    int
	Algorithm Algorithm
	Logger    core.Logger
	Telemetry core.Telemetry
}

// New builds a Controller for the requested algorithm.
func New(opts Options) Controller {
	if opts.MaxRPM <= 0 {
		opts.MaxRPM = 60
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/ratelimit")
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = &core.NoOpTelemetry{}
	}
	b := &base{
		logger:    logger,
		telemetry: tel,
	}
	b.maxRPM.Store(int64(opts.MaxRPM))

	switch opts.Algorithm {
	case FixedWindow:
		return &fixedWindowController{base: b}
	default:
		c := &tokenBucketController{base: b}
		c.tokens = float64(opts.MaxRPM)
		c.lastRefill = time.Now()
		return c
	}
}

// waiter is one admission request parked in the priority queue.
type waiter struct {
	priority int
	enqueued time.Time
	seq      int64
	ready    chan struct{}
	index    int
}

// waiterHeap orders waiters by (priority desc, enqueue time asc), tie-broken
// by a monotonic sequence number so FIFO order is stable even when two
// waiters enqueue within the same clock tick.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].enqueued.Equal(h[j].enqueued) {
		return h[i].enqueued.Before(h[j].enqueued)
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *waiterHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// base holds the state shared by both algorithms: the waiter priority queue
// and the adaptive back-off streak. Admission itself (token accounting) is
// algorithm-specific and lives in tokenBucketController/fixedWindowController.
type base struct {
	mu        sync.Mutex
	queue     waiterHeap
	seq       int64
	maxRPM    atomic.Int64
	streak    atomic.Int32
	logger    core.Logger
	telemetry core.Telemetry
}

// admitFunc reports whether one slot is currently available (without
// side effects) and, when consume is true, atomically consumes it.
type admitFunc func(consume bool) bool

// enqueue blocks the caller until it reaches the front of the priority
// queue AND a slot is available, or ctx is cancelled. Only the waiter
// currently at the front of the heap is ever allowed to consume a slot,
// which is what keeps admission order = (priority desc, FIFO) even when
// many goroutines are polling concurrently.
func (b *base) enqueue(ctx context.Context, priority int, admit admitFunc) error {
	b.mu.Lock()
	b.seq++
	w := &waiter{priority: priority, enqueued: time.Now(), seq: b.seq, ready: make(chan struct{}, 1)}
	heap.Push(&b.queue, w)
	b.mu.Unlock()

	poll := time.NewTicker(2 * time.Millisecond)
	defer poll.Stop()
	for {
		if b.tryAdmitFront(w, admit) {
			return nil
		}
		select {
		case <-ctx.Done():
			b.mu.Lock()
			if w.index >= 0 {
				heap.Remove(&b.queue, w.index)
			}
			b.mu.Unlock()
			return ctx.Err()
		case <-w.ready:
		case <-poll.C:
		}
	}
}

// tryAdmitFront consumes a slot only if w is the front of the queue and a
// slot is available, in one critical section.
func (b *base) tryAdmitFront(w *waiter, admit admitFunc) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue.Len() == 0 || b.queue[0] != w {
		return false
	}
	if !admit(true) {
		return false
	}
	heap.Remove(&b.queue, w.index)
	// Nudge the new front so it re-checks promptly instead of waiting for
	// the next poll tick.
	if b.queue.Len() > 0 {
		select {
		case b.queue[0].ready <- struct{}{}:
		default:
		}
	}
	return true
}

// MarkThrottled records an upstream throttle signal. After three
// consecutive signals, maxRPM is cut by 20% (floor 1).
func (b *base) MarkThrottled() {
	n := b.streak.Add(1)
	if n >= 3 {
		for {
			cur := b.maxRPM.Load()
			next := int64(float64(cur) * 0.8)
			if next < 1 {
				next = 1
			}
			if b.maxRPM.CompareAndSwap(cur, next) {
				break
			}
		}
		b.streak.Store(0)
		if b.logger != nil {
			b.logger.Warn("rate controller backed off", map[string]interface{}{
				"new_max_rpm": b.maxRPM.Load(),
			})
		}
	}
}

// MarkCompleted resets the throttle streak; durationMs is accepted for
// future latency-aware tuning but otherwise unused.
func (b *base) MarkCompleted(durationMs int64) {
	b.streak.Store(0)
}

func (b *base) CurrentRpm() int {
	return int(b.maxRPM.Load())
}
