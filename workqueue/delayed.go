// Delayed work: spec's delayed_work = {work, uev_timer}. queue_delayed_work
// arms a reactor timer; on fire, the timer callback re-enters the normal
// queue_work path. A single shared reactor.Looper (this package's "timer
// looper") services every Workqueue's delayed work, since delayed work is
// comparatively rare and doesn't warrant a dedicated reactor per queue.
package workqueue

import (
	"sync"
	"time"

	"github.com/rancho0755777/skp-go/rcu"
	"github.com/rancho0755777/skp-go/reactor"
)

// DelayedWork pairs a Work with the timer that, on expiry, queues it.
type DelayedWork struct {
	Work

	mu      sync.Mutex
	timerID reactor.TimerID
	armed   bool
	wq      *Workqueue
}

// NewDelayedWork creates an idle DelayedWork that runs fn when its delay
// elapses after being queued.
func NewDelayedWork(fn Func) *DelayedWork {
	return &DelayedWork{Work: Work{fn: fn}}
}

var (
	timerOnce    sync.Once
	timerLoop    *reactor.Looper
	timerRCU     *rcu.Domain
	timerLoopErr error
)

// sharedTimerLooper lazily starts the package-wide reactor.Looper backing
// every delayed work's timer, matching the spec's "delayed work reuses
// timers" - a single looper goroutine is cheap and shared across every
// Workqueue, rather than one per queue.
func sharedTimerLooper() (*reactor.Looper, error) {
	timerOnce.Do(func() {
		timerRCU = rcu.NewDomain()
		l, err := reactor.NewLooper(reactor.WithRCUDomain(timerRCU))
		if err != nil {
			timerLoopErr = err
			return
		}
		timerLoop = l
		go func() {
			_ = l.Run(noCancelCtx{})
		}()
	})
	return timerLoop, timerLoopErr
}

// QueueDelayedWork arms dw to queue onto wq after delay elapses. Returns
// false if dw was already pending/delayed/running.
func (wq *Workqueue) QueueDelayedWork(dw *DelayedWork, delay time.Duration) (bool, error) {
	if delay <= 0 {
		return wq.QueueWork(&dw.Work)
	}
	if wq.destroyed.Load() {
		return false, ErrShutdown
	}
	if !dw.casState(StateIdle, StateDelayed) {
		return false, nil
	}
	looper, err := sharedTimerLooper()
	if err != nil {
		dw.state.Store(uint32(StateIdle))
		return false, err
	}

	dw.mu.Lock()
	dw.wq = wq
	dw.armed = true
	dw.mu.Unlock()

	id := looper.RegisterTimer(delay, func() { dw.fire() })

	dw.mu.Lock()
	dw.timerID = id
	dw.mu.Unlock()
	return true, nil
}

// fire runs on the shared timer looper's goroutine when dw's delay
// elapses: it hands dw.Work to the normal queue_work path.
func (dw *DelayedWork) fire() {
	dw.mu.Lock()
	dw.armed = false
	wq := dw.wq
	dw.mu.Unlock()

	if !dw.casState(StateDelayed, StateIdle) {
		return // raced with a cancel that already grabbed it
	}
	if wq != nil {
		_, _ = wq.queueChained(&dw.Work)
	}
}

// cancelTimer disarms dw's pending timer if it hasn't fired yet. Returns
// true if a timer was actually canceled.
func (dw *DelayedWork) cancelTimer() bool {
	dw.mu.Lock()
	id, armed := dw.timerID, dw.armed
	dw.armed = false
	dw.mu.Unlock()
	if !armed {
		return false
	}
	looper, err := sharedTimerLooper()
	if err != nil {
		return false
	}
	return looper.DeleteTimer(id)
}

// ModDelayedWork reschedules dw to fire after newDelay from now, whether or
// not it was already pending - the spec's mod_delayed_work, built on
// TryToGrabPending to reclaim an in-flight delayed work before re-arming.
func (wq *Workqueue) ModDelayedWork(dw *DelayedWork, newDelay time.Duration) (bool, error) {
	wasPending, _ := tryToGrabPendingDelayed(dw)
	ok, err := wq.QueueDelayedWork(dw, newDelay)
	if err != nil {
		return wasPending, err
	}
	return wasPending || ok, nil
}

// noCancelCtx is a context.Context that never cancels, used to run the
// shared timer looper for the lifetime of the process - it is torn down
// only implicitly, at process exit, matching the spec's process-global
// PageArena/SlabCache singleton lifetime model.
type noCancelCtx struct{}

func (noCancelCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noCancelCtx) Done() <-chan struct{}       { return nil }
func (noCancelCtx) Err() error                  { return nil }
func (noCancelCtx) Value(any) any               { return nil }
