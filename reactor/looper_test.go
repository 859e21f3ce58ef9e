package reactor

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/logiface"

	"github.com/rancho0755777/skp-go/internal/xlog"
)

func runLooper(t *testing.T) (*Looper, func()) {
	t.Helper()
	l, err := NewLooper()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	return l, func() {
		cancel()
		<-done
	}
}

func TestSubmitRunsOnLoopGoroutine(t *testing.T) {
	l, stop := runLooper(t)
	defer stop()

	var ran atomic.Bool
	done := make(chan struct{})
	require.NoError(t, l.Submit(func() {
		ran.Store(true)
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted task never ran")
	}
	require.True(t, ran.Load())
}

func TestRegisterTimerFires(t *testing.T) {
	l, stop := runLooper(t)
	defer stop()

	fired := make(chan struct{})
	l.RegisterTimer(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestDeleteTimerCancelsBeforeFiring(t *testing.T) {
	l, stop := runLooper(t)
	defer stop()

	var fired atomic.Bool
	id := l.RegisterTimer(200*time.Millisecond, func() { fired.Store(true) })

	// Give the looper a moment to actually register the timer before
	// canceling it.
	time.Sleep(10 * time.Millisecond)
	ok := l.DeleteTimer(id)
	require.True(t, ok)

	time.Sleep(250 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestAsyncEmitCoalesces(t *testing.T) {
	l, stop := runLooper(t)
	defer stop()

	var calls atomic.Int32
	done := make(chan struct{}, 1)
	async := l.NewAsync(func() {
		calls.Add(1)
		select {
		case done <- struct{}{}:
		default:
		}
	})

	async.Emit()
	async.Emit()
	async.Emit()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async callback never ran")
	}
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load(), "concurrent emits must coalesce into one callback run")
}

func TestSubmitPanicIsRecoveredAndLogged(t *testing.T) {
	var buf bytes.Buffer
	log := xlog.New(&buf, logiface.LevelError)

	l, err := NewLooper(WithLogger(log))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	after := make(chan struct{})
	require.NoError(t, l.Submit(func() { panic("boom") }))
	require.NoError(t, l.Submit(func() { close(after) }))

	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatal("loop never recovered from the panicking callback")
	}
	require.Contains(t, buf.String(), "boom")
}

func TestShutdownIsIdempotentAndBlocksUntilDone(t *testing.T) {
	l, err := NewLooper()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Shutdown(context.Background()))
	// Idempotent: runOnce means the second call re-runs no logic and
	// simply returns nil.
	require.NoError(t, l.Shutdown(context.Background()))
}
