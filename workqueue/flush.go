package workqueue

import (
	"context"
	"sync"
)

// FlushWork blocks until w - if it was pending, delayed, or running at the
// moment of the call - has finished its current execution. It does this by
// inserting a barrier work immediately after w (spec: "insert a wq_barrier
// ... after the target work"); if w is already idle, FlushWork returns
// immediately (there's nothing in flight to wait for).
func FlushWork(w *Work) {
	w.mu.Lock()
	if w.state.Load() == uint32(StateIdle) {
		w.mu.Unlock()
		return
	}
	b := newBarrier(func() {})
	done := b.addWaiter()
	w.linked = append(w.linked, b)
	w.mu.Unlock()

	<-done
}

// FlushWorkqueue blocks until every work queued on wq before this call has
// completed: snapshot insert_seq, sleep until remove_seq catches up to it,
// matching the spec's flush_workqueue.
func (wq *Workqueue) FlushWorkqueue() {
	snapshot := wq.insertSeq.Load()
	wq.flushMu.Lock()
	for wq.removeSeq.Load() < snapshot {
		wq.flushCond.Wait()
	}
	wq.flushMu.Unlock()
}

// DrainWorkqueue repeatedly flushes wq until every pool-queue reports no
// active or delayed work, refusing new non-chained enqueues for the
// duration (spec's nr_drainers/DRAINING bit).
func (wq *Workqueue) DrainWorkqueue() {
	wq.drainers.Add(1)
	wq.draining.Store(true)
	defer func() {
		if wq.drainers.Add(-1) == 0 {
			wq.draining.Store(false)
		}
	}()

	for {
		wq.FlushWorkqueue()
		quiet := true
		for _, pq := range wq.pwqs {
			if !pq.quiescent() {
				quiet = false
				break
			}
		}
		if quiet {
			return
		}
	}
}

// ScheduleOnEachCPU runs fn once per logical CPU (runtime.GOMAXPROCS(0)) on
// a throwaway unbound workqueue sized to match, and waits for every
// instance to complete - this module's goroutine-scheduled reading of the
// spec's schedule_on_each_cpu, which has no literal CPU-pinning equivalent
// here (bound workqueues in this module already share one pool rather than
// one pwq per physical CPU; see DESIGN.md).
func ScheduleOnEachCPU(fn func(ctx context.Context), opts ...Option) error {
	n := defaultParallelism()
	cfg := append([]Option{WithUnbound(n), WithMaxActive(n)}, opts...)
	wq := New("schedule_on_each_cpu", cfg...)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		w := NewWork(func(ctx context.Context) {
			defer wg.Done()
			fn(ctx)
		})
		if _, err := wq.QueueWork(w); err != nil {
			wg.Done()
			_ = wq.Destroy()
			return err
		}
	}
	wg.Wait()
	return wq.Destroy()
}
