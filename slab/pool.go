package slab

import (
	"runtime"
	"sync/atomic"
)

// lockFreePool is the cross-goroutine object return pool used by caches
// without a TLS fast path. The spec's own object pool packs a 16-bit nr and
// a 16-bit version into one cmpxchg-double word, and flags the version field
// as liable to wrap under heavy contention (see DESIGN.md Open Question 2).
// Rather than port that word-packing, this pool uses the bounded MPMC ring
// technique (per-slot full atomic.Uint64 sequence number, compared against
// the producer/consumer cursor) that eventloop/ingress.go's MicrotaskRing
// already adopted to solve the identical problem: a sequence space wide
// enough that wraparound is not a practical concern removes the need for a
// separate version/epoch field entirely.
type lockFreePool struct {
	buf  []cell
	mask uint64

	enqPos atomic.Uint64
	deqPos atomic.Uint64
}

type cell struct {
	seq  atomic.Uint64
	page *slabPage
	idx  uint32
}

func newLockFreePool(capacity int) *lockFreePool {
	capacity = nextPow2(capacity)
	buf := make([]cell, capacity)
	for i := range buf {
		buf[i].seq.Store(uint64(i))
	}
	return &lockFreePool{buf: buf, mask: uint64(capacity - 1)}
}

func nextPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// push returns false if the pool is at capacity (objpool_cap reached); the
// caller must then drain the pool into the slab layer per the spec.
func (p *lockFreePool) push(h Handle) bool {
	for {
		pos := p.enqPos.Load()
		c := &p.buf[pos&p.mask]
		seq := c.seq.Load()
		switch diff := int64(seq) - int64(pos); {
		case diff == 0:
			if p.enqPos.CompareAndSwap(pos, pos+1) {
				c.page = h.page
				c.idx = h.idx
				c.seq.Store(pos + 1)
				return true
			}
		case diff < 0:
			return false
		default:
			runtime.Gosched()
		}
	}
}

func (p *lockFreePool) pop() (Handle, bool) {
	for {
		pos := p.deqPos.Load()
		c := &p.buf[pos&p.mask]
		seq := c.seq.Load()
		switch diff := int64(seq) - int64(pos+1); {
		case diff == 0:
			if p.deqPos.CompareAndSwap(pos, pos+1) {
				h := Handle{page: c.page, idx: c.idx}
				c.seq.Store(pos + p.mask + 1)
				return h, true
			}
		case diff < 0:
			return Handle{}, false
		default:
			runtime.Gosched()
		}
	}
}
