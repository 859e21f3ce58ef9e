package workqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueWorkRunsExactlyOnce(t *testing.T) {
	wq := New("t")
	defer wq.Destroy()

	var n atomic.Int32
	w := NewWork(func(context.Context) { n.Add(1) })

	ok, err := wq.QueueWork(w)
	require.NoError(t, err)
	require.True(t, ok)

	wq.FlushWorkqueue()
	require.EqualValues(t, 1, n.Load())
}

func TestQueueWorkRefusesDoubleQueue(t *testing.T) {
	wq := New("t")
	defer wq.Destroy()

	release := make(chan struct{})
	w := NewWork(func(context.Context) { <-release })

	ok, err := wq.QueueWork(w)
	require.NoError(t, err)
	require.True(t, ok)

	// w is now running; a second queue_work before it completes must be a
	// no-op per the spec's "enqueues at most once" contract.
	ok, err = wq.QueueWork(w)
	require.NoError(t, err)
	require.False(t, ok)

	close(release)
	wq.FlushWorkqueue()
}

func TestFIFOOrderingWithinOnePool(t *testing.T) {
	wq := New("t", WithMaxActive(1))
	defer wq.Destroy()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 1; i <= 3; i++ {
		i := i
		w := NewWork(func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
		ok, err := wq.QueueWork(w)
		require.NoError(t, err)
		require.True(t, ok)
	}
	wg.Wait()

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestFlushWorkWaitsForCompletion(t *testing.T) {
	wq := New("t")
	defer wq.Destroy()

	var x atomic.Int32
	started := make(chan struct{})
	w := NewWork(func(context.Context) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		x.Store(1)
	})

	_, err := wq.QueueWork(w)
	require.NoError(t, err)
	<-started

	FlushWork(w)
	require.EqualValues(t, 1, x.Load())
}

func TestFlushWorkqueueOrdering(t *testing.T) {
	wq := New("t", WithMaxActive(1))
	defer wq.Destroy()

	var x atomic.Int32
	w1 := NewWork(func(context.Context) { x.Store(1) })
	w2 := NewWork(func(context.Context) { x.Store(2) })

	_, err := wq.QueueWork(w1)
	require.NoError(t, err)
	_, err = wq.QueueWork(w2)
	require.NoError(t, err)

	wq.FlushWorkqueue()
	require.EqualValues(t, 2, x.Load())
}

func TestCancelWorkSyncExcludesConcurrentExecution(t *testing.T) {
	wq := New("t")
	defer wq.Destroy()

	var running atomic.Bool
	var overlap atomic.Bool
	w := NewWork(func(context.Context) {
		if !running.CompareAndSwap(false, true) {
			overlap.Store(true)
		}
		time.Sleep(2 * time.Millisecond)
		running.Store(false)
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			wq.QueueWork(w)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			CancelWorkSync(w)
		}
	}()
	wg.Wait()
	CancelWorkSync(w)

	require.False(t, overlap.Load())
	require.Equal(t, StateIdle, w.State())

	// a subsequent queue must succeed, per the cancel-exclusivity invariant.
	ok, err := wq.QueueWork(w)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDrainWorkqueueWaitsForAllWork(t *testing.T) {
	wq := New("t", WithUnbound(4))
	defer wq.Destroy()

	var n atomic.Int32
	for i := 0; i < 16; i++ {
		w := NewWork(func(context.Context) {
			time.Sleep(time.Millisecond)
			n.Add(1)
		})
		_, err := wq.QueueWork(w)
		require.NoError(t, err)
	}

	wq.DrainWorkqueue()
	require.EqualValues(t, 16, n.Load())
}

func TestUnboundShardingDistributesWork(t *testing.T) {
	wq := New("t", WithUnbound(8))
	defer wq.Destroy()

	seen := make(map[*poolQueue]struct{})
	for i := 0; i < 64; i++ {
		w := NewWork(func(context.Context) {})
		seen[wq.selectPWQ(w)] = struct{}{}
	}
	require.Greater(t, len(seen), 1, "expected work to fan out across more than one shard")
}
