package workqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueDelayedWorkFiresAfterDelay(t *testing.T) {
	wq := New("t")
	defer wq.Destroy()

	var fired atomic.Bool
	start := time.Now()
	dw := NewDelayedWork(func(context.Context) { fired.Store(true) })

	ok, err := wq.QueueDelayedWork(dw, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, fired.Load, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestCancelDelayedWorkBeforeFire(t *testing.T) {
	wq := New("t")
	defer wq.Destroy()

	var fired atomic.Bool
	dw := NewDelayedWork(func(context.Context) { fired.Store(true) })

	ok, err := wq.QueueDelayedWork(dw, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, CancelDelayedWorkSync(dw))
	time.Sleep(150 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestModDelayedWorkReschedules(t *testing.T) {
	wq := New("t")
	defer wq.Destroy()

	var n atomic.Int32
	dw := NewDelayedWork(func(context.Context) { n.Add(1) })

	_, err := wq.QueueDelayedWork(dw, 200*time.Millisecond)
	require.NoError(t, err)

	_, err = wq.ModDelayedWork(dw, 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	require.EqualValues(t, 1, n.Load(), "the original 200ms timer must not also have fired")
}

func TestScheduleOnEachCPURunsOnEveryShard(t *testing.T) {
	var n atomic.Int32
	err := ScheduleOnEachCPU(func(context.Context) { n.Add(1) })
	require.NoError(t, err)
	require.Equal(t, int32(defaultParallelism()), n.Load())
}
