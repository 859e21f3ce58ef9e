package slab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rancho0755777/skp-go/pagearena"
)

func newTestArena(t *testing.T) *pagearena.Arena {
	t.Helper()
	return pagearena.New(1 << 12)
}

func TestCacheAllocFreeRoundTrip(t *testing.T) {
	arena := newTestArena(t)
	c, err := NewCache(arena, "t128", 128, Config{UseTLS: true})
	require.NoError(t, err)

	h, err := c.Alloc()
	require.NoError(t, err)

	b := h.Bytes(c.realSize)
	require.NotZero(t, len(b))

	require.NoError(t, c.Free(h))
}

func TestCacheChurnNoLeak(t *testing.T) {
	arena := newTestArena(t)
	c, err := NewCache(arena, "churn", 64, Config{UseTLS: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10000; i++ {
				h, err := c.Alloc()
				require.NoError(t, err)
				require.NoError(t, c.Free(h))
			}
		}()
	}
	wg.Wait()

	freed := c.Shrink()
	t.Logf("slabs released on shrink: %d", freed)
}

func TestCachePooledNoTLS(t *testing.T) {
	arena := newTestArena(t)
	c, err := NewCache(arena, "pooled", 32, Config{UseTLS: false, ObjpoolCap: 4})
	require.NoError(t, err)

	var handles []Handle
	for i := 0; i < 100; i++ {
		h, err := c.Alloc()
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, c.Free(h))
	}

	// With the pool full, further frees must overflow into the slab layer
	// rather than silently dropping objects; a subsequent alloc burst of
	// the same size must still succeed.
	for i := 0; i < 100; i++ {
		_, err := c.Alloc()
		require.NoError(t, err)
	}
}

func TestCacheDoubleFreeDirect(t *testing.T) {
	// freeDirect is exercised directly (this test lives in package slab) to
	// force two frees of the same slot back to back - Cache.Free's pooled
	// path can't be driven into this state deterministically from outside,
	// since the lock-free return pool has no slot-validity check of its own
	// (see freeDirect's doc comment).
	arena := newTestArena(t)
	c, err := NewCache(arena, "dbl", 32, Config{UseTLS: false, ObjpoolCap: 4})
	require.NoError(t, err)

	h, err := c.Alloc()
	require.NoError(t, err)

	require.NoError(t, c.freeDirect(h))
	require.ErrorIs(t, c.freeDirect(h), ErrDoubleFree)
}

func TestCacheTLSFullPageRefillsAfterForeignFree(t *testing.T) {
	// A TLS slab that fills and deactivates must still be reachable once a
	// foreign free makes room in it again - regression test for the case
	// where a full TLS page's inuse count never reflected its true
	// occupancy, so flushBucket's refile-to-partial test never fired and
	// the page (and everything freed into it) leaked.
	arena := newTestArena(t)
	c, err := NewCache(arena, "tlsfull", 512, Config{UseTLS: true, Order: 0, ReturnBatch: 1})
	require.NoError(t, err)

	var handles []Handle
	first, err := c.Alloc()
	require.NoError(t, err)
	handles = append(handles, first)
	page := first.page

	// Fill the rest of page's capacity from this goroutine so it
	// deactivates onto the full list.
	for len(handles) < c.objects {
		h, err := c.Alloc()
		require.NoError(t, err)
		require.Same(t, page, h.page, "allocations from the same goroutine should stay on the same frozen page until it's full")
		handles = append(handles, h)
	}
	require.EqualValues(t, c.objects, page.inuse.Load())

	// One more alloc from the same goroutine exhausts page's freelist and
	// lockless freelist both, triggering deactivate: page moves onto the
	// full list (not freed or touched again) while a new page is frozen in
	// its place.
	next, err := c.Alloc()
	require.NoError(t, err)
	require.NotSame(t, page, next.page)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, c.Free(handles[0]))
	}()
	<-done

	require.EqualValues(t, c.objects-1, page.inuse.Load())

	c.mu.Lock()
	var onPartial bool
	for _, p := range c.partial {
		if p == page {
			onPartial = true
		}
	}
	c.mu.Unlock()
	require.True(t, onPartial, "a full TLS page must be refiled to partial once a foreign free frees a slot")
}

func TestCacheCrossGoroutineFree(t *testing.T) {
	arena := newTestArena(t)
	c, err := NewCache(arena, "cross", 48, Config{UseTLS: true, ReturnBatch: 2})
	require.NoError(t, err)

	h, err := c.Alloc()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, c.Free(h))
	}()
	<-done
}
