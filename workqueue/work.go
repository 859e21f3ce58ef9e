// Package workqueue implements the spec's Workqueue component: bound and
// unbound worker pools, delayed work via reactor timers, and flush/cancel/
// drain primitives built on completion channels.
//
// Grounded on microbatch/microbatch.go's generic batch-with-completion
// pattern (JobResult.Wait's done-channel idiom is reused here as the
// barrier-work completion signal for FlushWork) and catrate/ring.go's
// power-of-two masking (reused for unbound pwq shard selection). The work
// state machine itself replaces the source's packed flags-word (tagged
// union of {DATA_MASK, pending+pwq pointer, delayed, running, canceling})
// with a plain atomic state enum plus a separate mutex-guarded pwq field, per
// the spec's own Design Notes ("Go idiom: tagged-union enum + atomic CAS,
// instead of packing a pointer and bits into one word").
package workqueue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rancho0755777/skp-go/internal/xlog"
)

// State is a Work's position in the dispatch state machine.
type State uint32

const (
	StateIdle State = iota
	StatePending
	StateDelayed
	StateRunning
	StateCanceling
)

// Func is the body a Work runs. It receives the running worker pool's
// context, which is canceled when that pool is closed (an unbound
// Workqueue's Destroy); the shared bound pools are never closed.
type Func func(ctx context.Context)

// Work is a schedulable unit of work, queued at most once per queue call:
// queue_work's cmpxchg-set-PENDING contract is implemented by state's CAS
// from StateIdle to StatePending.
type Work struct {
	name  string
	fn    Func
	state atomic.Uint32

	mu      sync.Mutex
	pwq     *poolQueue // set while pending/delayed/running; nil once idle
	barrier bool       // true for a flush barrier work (no user fn)
	linked  []*Work    // barrier(s) to activate once this work completes
	done    chan struct{}
}

// NewWork creates an idle Work that runs fn when queued.
func NewWork(fn Func) *Work {
	return &Work{fn: fn}
}

// Named is NewWork with a name attached, surfaced in the log line emitted
// when a panic is recovered from fn.
func Named(name string, fn Func) *Work {
	return &Work{name: name, fn: fn}
}

// Name returns the work's name, or "" if it wasn't given one.
func (w *Work) Name() string { return w.name }

// State reports the work's current position in the dispatch state machine.
func (w *Work) State() State { return w.loadState() }

func (w *Work) loadState() State { return State(w.state.Load()) }

func (w *Work) casState(from, to State) bool {
	return w.state.CompareAndSwap(uint32(from), uint32(to))
}

// run executes the work's body with panic recovery - a panicking work must
// not take down its pool worker, matching the spec's "callbacks invoked by
// the looper/worker cannot fail the loop - they may log, reschedule..."
// propagation policy (spec §7).
func (w *Work) run(ctx context.Context, log *xlog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Err().Str("work", w.name).Interface("recover", r).Log("work panicked, recovered")
		}
	}()
	if w.fn != nil {
		w.fn(ctx)
	}
}

func (w *Work) addWaiter() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		w.done = make(chan struct{})
	}
	return w.done
}

func (w *Work) signalDone() {
	w.mu.Lock()
	done := w.done
	w.done = nil
	w.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func newBarrier(fn func()) *Work {
	w := &Work{barrier: true}
	w.fn = func(context.Context) { fn() }
	return w
}
