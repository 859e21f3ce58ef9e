package workqueue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rancho0755777/skp-go/internal/xlog"
)

var (
	// ErrQueueDraining is returned by QueueWork when the target
	// workqueue is draining and the caller isn't chained work running on
	// the same queue (spec: "queueing on a draining wq from a non-chained
	// context logs and refuses").
	ErrQueueDraining = errors.New("workqueue: draining")
	// ErrShutdown is returned by operations on an already-destroyed queue.
	ErrShutdown = errors.New("workqueue: destroyed")
	// ErrSystemQueue is returned by Destroy on a process-wide default
	// queue ("Destroying the system workqueues is refused").
	ErrSystemQueue = errors.New("workqueue: refusing to destroy a system workqueue")
)

// Workqueue is the spec's workqueue: a named admission-control front end
// over one or more pool-queues (pwqs), each fanning into a worker pool.
// A bound Workqueue shares the package's static pools; an unbound one owns
// its own dynamic pools, sharded by hash(work).
type Workqueue struct {
	name    string
	unbound bool
	system  bool
	log     *xlog.Logger

	pwqs []*poolQueue // bound: len==1, shared static pool; unbound: len==shards

	insertSeq atomic.Uint64
	removeSeq atomic.Uint64
	flushMu   sync.Mutex
	flushCond *sync.Cond

	draining atomic.Bool
	drainers atomic.Int32

	destroyed atomic.Bool
}

// New allocates a Workqueue (the spec's alloc_workqueue). By default it is
// bound: work is fanned into the package's shared static pool, matching
// "Static per-CPU worker_pool[2]... shared by bound workqueues" (this
// module collapses the per-CPU partition to one shared pool per class,
// since the underlying goroutine pool already load-balances internally -
// see DESIGN.md).
func New(name string, opts ...Option) *Workqueue {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	wq := &Workqueue{name: name, unbound: cfg.unbound, log: cfg.log}
	wq.flushCond = sync.NewCond(&wq.flushMu)

	if cfg.unbound {
		for i := 0; i < cfg.shards; i++ {
			pool := newWorkerPool(1, cfg.log)
			wq.pwqs = append(wq.pwqs, newPoolQueue(pool, wq, cfg.maxActive))
		}
	} else {
		pool := sharedBoundPool(cfg.memReclaim, cfg.log)
		wq.pwqs = append(wq.pwqs, newPoolQueue(pool, wq, cfg.maxActive))
	}
	return wq
}

// newSystem builds a process-default Workqueue that Destroy refuses to
// tear down, used for the package-level System()/SystemHighPri() queues.
func newSystem(name string, opts ...Option) *Workqueue {
	wq := New(name, opts...)
	wq.system = true
	return wq
}

var (
	sharedPoolsOnce sync.Once
	sharedNormal    *workerPool
	sharedHighPri   *workerPool
	sharedReclaim   *workerPool

	systemOnce   sync.Once
	systemWQ     *Workqueue
	systemHighWQ *Workqueue
)

// sharedBoundPool returns the package's static normal pool, or, when
// memReclaim is set, a dedicated pool whose permanent worker is never
// subject to the idle-timeout retirement path (WQ_MEM_RECLAIM). The static
// high-priority pool is created alongside them, but no workqueue is ever
// given it.
func sharedBoundPool(memReclaim bool, log *xlog.Logger) *workerPool {
	sharedPoolsOnce.Do(func() {
		n := defaultParallelism()
		sharedNormal = newWorkerPool(n, log)
		sharedHighPri = newWorkerPool(n, log)
		sharedReclaim = newWorkerPool(1, log)
	})
	if memReclaim {
		return sharedReclaim
	}
	return sharedNormal
}

// System returns the process-wide default bound workqueue, created once.
// Destroy on the returned queue always fails.
func System() *Workqueue {
	systemOnce.Do(func() {
		systemWQ = newSystem("events")
		systemHighWQ = newSystem("events_highpri", WithMaxActive(DefaultMaxActive))
	})
	return systemWQ
}

// SystemHighPri returns the process-wide "events_highpri" bound workqueue.
// It runs on the same shared normal pool as System(); no separate
// high-priority pool serves it.
func SystemHighPri() *Workqueue {
	System() // ensure systemOnce has run
	return systemHighWQ
}

// Name returns the workqueue's name, for logging/diagnostics.
func (wq *Workqueue) Name() string { return wq.name }

// selectPWQ picks the pool-queue a work dispatches into: the single shared
// pwq for a bound queue, or hash(work)&(N-1) for an unbound one - the
// spec's "unbound -> hash(work) & (N-1)".
func (wq *Workqueue) selectPWQ(w *Work) *poolQueue {
	if !wq.unbound || len(wq.pwqs) == 1 {
		return wq.pwqs[0]
	}
	// Mix the address before masking: heap objects are aligned, so the
	// low bits of a raw pointer are constant and would pick one shard.
	h := uint64(uintptr(unsafe.Pointer(w)))
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return wq.pwqs[h&uint64(len(wq.pwqs)-1)]
}

// QueueWork enqueues w exactly once (queue_work): returns false if w was
// already pending/delayed/running/canceling.
func (wq *Workqueue) QueueWork(w *Work) (bool, error) {
	return wq.queueWork(w, false)
}

// queueChained is QueueWork for works re-queued from within their own
// completion (e.g. a periodic re-arm), exempt from the draining refusal
// per spec's "except from chained work on the same wq".
func (wq *Workqueue) queueChained(w *Work) (bool, error) {
	return wq.queueWork(w, true)
}

func (wq *Workqueue) queueWork(w *Work, chained bool) (bool, error) {
	if wq.destroyed.Load() {
		return false, ErrShutdown
	}
	if wq.draining.Load() && !chained {
		wq.log.Warning().Str("wq", wq.name).Log("refusing queue_work on draining workqueue")
		return false, fmt.Errorf("workqueue %q: %w", wq.name, ErrQueueDraining)
	}
	if !w.casState(StateIdle, StatePending) {
		return false, nil
	}
	wq.insertSeq.Add(1)
	pq := wq.selectPWQ(w)
	pq.dispatch(w)
	return true, nil
}

// onComplete is called by poolQueue.completed after a (non-barrier) work
// finishes: bumps remove_seq and wakes FlushWorkqueue waiters whose
// snapshot is now satisfied.
func (wq *Workqueue) onComplete() {
	wq.removeSeq.Add(1)
	wq.flushMu.Lock()
	wq.flushCond.Broadcast()
	wq.flushMu.Unlock()
}

// Destroy tears the workqueue down: refuses on a system queue, otherwise
// drains outstanding work and releases its pool-queues. Unbound pools
// (owned exclusively by this queue) are closed; bound pools are shared and
// left running for other workqueues.
func (wq *Workqueue) Destroy() error {
	if wq.system {
		return ErrSystemQueue
	}
	if !wq.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	wq.DrainWorkqueue()
	if wq.unbound {
		for _, pq := range wq.pwqs {
			if atomic.AddInt32(&pq.refcnt, -1) == 0 {
				pq.pool.close()
			}
		}
	}
	return nil
}
