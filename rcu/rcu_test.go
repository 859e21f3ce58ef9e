package rcu

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCallRunsAfterGraceOnce(t *testing.T) {
	d := NewDomain()
	looper := d.Register()

	var n atomic.Int32
	start := time.Now()
	d.Call(func() { n.Add(1) })

	// Drive quiescence until the callback fires.
	require.Eventually(t, func() bool {
		d.Quiesce(looper)
		return n.Load() == 1
	}, time.Second, time.Millisecond)

	require.GreaterOrEqual(t, time.Since(start), Grace)
	require.EqualValues(t, 1, n.Load())
}

func TestCallWaitsForEveryLooper(t *testing.T) {
	d := NewDomain()
	a := d.Register()
	b := d.Register()

	var n atomic.Int32
	d.Call(func() { n.Add(1) })

	time.Sleep(Grace * 2)
	d.Quiesce(a)
	require.EqualValues(t, 0, n.Load(), "must not fire until every looper has passed")

	d.Quiesce(b)
	require.EqualValues(t, 1, n.Load())
}

func TestBarrierBlocksUntilFired(t *testing.T) {
	d := NewDomain()
	looper := d.Register()

	go func() {
		for i := 0; i < 50; i++ {
			time.Sleep(time.Millisecond)
			d.Quiesce(looper)
		}
	}()

	d.Barrier()
}
