package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/rancho0755777/skp-go/internal/xlog"
)

// IdleWorkerTimeout mirrors the spec's IDLE_WORKER_TIMEOUT: an unbound
// pool's surplus idle workers are retired after sitting idle this long.
const IdleWorkerTimeout = 5 * time.Minute

// workerPool is a FIFO worklist serviced by a set of goroutines, with
// collision detection against concurrently-running work (busyHash in the
// spec's vocabulary) so the same *Work is never executed by two workers
// at once.
type workerPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	worklist []*Work
	busy     map[*Work]struct{}
	closed   bool
	idle     int
	minAlive int
	ctx      context.Context
	cancel   context.CancelFunc
	log      *xlog.Logger
}

func newWorkerPool(minAlive int, log *xlog.Logger) *workerPool {
	if log == nil {
		log = xlog.NoOp()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &workerPool{
		busy:     make(map[*Work]struct{}),
		minAlive: minAlive,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < minAlive; i++ {
		go p.runWorker(true)
	}
	return p
}

// enqueue appends w to the FIFO worklist, waking one worker.
func (p *workerPool) enqueue(w *Work) {
	p.mu.Lock()
	p.worklist = append(p.worklist, w)
	needWorker := p.idle == 0
	p.mu.Unlock()
	p.cond.Signal()
	if needWorker {
		go p.runWorker(false)
	}
}

// runWorker is one pool worker's lifetime. permanent workers (spawned at
// pool creation, up to minAlive) never self-retire; surplus workers
// spawned on demand retire after IdleWorkerTimeout with nothing to do,
// matching "too_many_workers arms an IDLE_WORKER_TIMEOUT timer".
func (p *workerPool) runWorker(permanent bool) {
	for {
		p.mu.Lock()
		idleSince := time.Now()
		for len(p.worklist) == 0 {
			if p.closed {
				p.mu.Unlock()
				return
			}
			if !permanent && time.Since(idleSince) > IdleWorkerTimeout {
				p.mu.Unlock()
				return
			}
			p.idle++
			var retire *time.Timer
			if !permanent {
				retire = time.AfterFunc(IdleWorkerTimeout, p.cond.Broadcast)
			}
			p.cond.Wait()
			if retire != nil {
				retire.Stop()
			}
			p.idle--
		}

		w := p.pop()
		p.mu.Unlock()
		if w == nil {
			continue
		}

		p.execute(w)
	}
}

// pop removes and returns the first work in the worklist that is not already
// present in busy, leaving any busy work in place - the collision-check
// substitute for the spec's busy_hash splice, simplified to leaving the work
// on the worklist rather than appending it onto the other worker's scheduled list, since Go
// worker goroutines have no per-worker "scheduled" slice to splice onto.
// Caller holds p.mu.
func (p *workerPool) pop() *Work {
	for i, w := range p.worklist {
		if _, running := p.busy[w]; !running {
			p.worklist = append(p.worklist[:i], p.worklist[i+1:]...)
			p.busy[w] = struct{}{}
			return w
		}
	}
	return nil
}

// dequeue removes w from the worklist without executing it, used by
// TryToGrabPending when a cancel/mod wins the race against dispatch.
// Returns true if w was found and removed.
func (p *workerPool) dequeue(w *Work) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.worklist {
		if cur == w {
			p.worklist = append(p.worklist[:i], p.worklist[i+1:]...)
			return true
		}
	}
	return false
}

func (p *workerPool) execute(w *Work) {
	w.run(p.ctx, p.log)

	w.mu.Lock()
	pq := w.pwq
	w.pwq = nil
	barrier := w.barrier
	w.mu.Unlock()

	p.mu.Lock()
	delete(p.busy, w)
	p.mu.Unlock()

	if pq != nil && !barrier {
		pq.completed(w)
	} else {
		w.state.Store(uint32(StateIdle))
	}

	w.signalDone()
	w.mu.Lock()
	linked := w.linked
	w.linked = nil
	w.mu.Unlock()
	for _, b := range linked {
		p.enqueue(b)
	}
}

func (p *workerPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.cond.Broadcast()
}

// poolQueue is the spec's pool_workqueue (pwq): the per-(workqueue, pool)
// fan-in node tracking admission control (nr_active vs max_active) and the
// delayed-works overflow list.
type poolQueue struct {
	pool      *workerPool
	wq        *Workqueue // owner, for insert/remove-seq flush bookkeeping
	maxActive int

	mu       sync.Mutex
	nrActive int
	delayed  []*Work
	refcnt   int32 // live references; only the owning wq holds one
}

func newPoolQueue(pool *workerPool, wq *Workqueue, maxActive int) *poolQueue {
	if maxActive <= 0 {
		maxActive = 1
	}
	return &poolQueue{pool: pool, wq: wq, maxActive: maxActive, refcnt: 1}
}

// dispatch admits w if under max_active, else defers it to the delayed
// list (the DELAYED bit in the spec's flags word, here just membership in
// pq.delayed - not counted against nr_active for admission purposes,
// matching "not counted in nr_active").
func (pq *poolQueue) dispatch(w *Work) {
	pq.mu.Lock()
	w.mu.Lock()
	w.pwq = pq
	w.mu.Unlock()

	if pq.nrActive < pq.maxActive {
		pq.nrActive++
		pq.mu.Unlock()
		w.state.Store(uint32(StateRunning))
		pq.pool.enqueue(w)
		return
	}
	pq.delayed = append(pq.delayed, w)
	w.state.Store(uint32(StateDelayed))
	pq.mu.Unlock()
}

// completed runs after w's body finished executing on this pq: decrements
// nr_active, activates the oldest delayed work if room opened up ("Activate
// the first delayed work if space opened"), resets w to idle so it can be
// re-queued, and notifies the owning Workqueue's flush waiters.
func (pq *poolQueue) completed(w *Work) {
	pq.mu.Lock()
	pq.nrActive--
	var next *Work
	if len(pq.delayed) > 0 && pq.nrActive < pq.maxActive {
		next = pq.delayed[0]
		pq.delayed = pq.delayed[1:]
		pq.nrActive++
	}
	pq.mu.Unlock()

	w.state.Store(uint32(StateIdle))

	if next != nil {
		next.state.Store(uint32(StateRunning))
		pq.pool.enqueue(next)
	}
	if pq.wq != nil {
		pq.wq.onComplete()
	}
}

// dequeueDelayed removes w from the delayed-overflow list without ever
// having dispatched it to the pool, used by TryToGrabPending. Returns true
// if w was found and removed.
func (pq *poolQueue) dequeueDelayed(w *Work) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for i, cur := range pq.delayed {
		if cur == w {
			pq.delayed = append(pq.delayed[:i], pq.delayed[i+1:]...)
			return true
		}
	}
	return false
}

func (pq *poolQueue) quiescent() bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.nrActive == 0 && len(pq.delayed) == 0
}
