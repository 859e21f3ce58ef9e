// Package pagearena implements a binary-buddy allocator over a reserved
// virtual arena of fixed-size pages. It is the leaf of the allocator stack:
// pagecache batches single-page allocations on top of it, and slab carves its
// blocks into typed objects.
package pagearena

import (
	"fmt"
	"math/bits"
	"sync"
)

const (
	// MaxOrder bounds the buddy free-list array: orders run [0, MaxOrder).
	// 2^(MaxOrder-1) pages is the largest single allocation.
	MaxOrder = 11

	// topOrder is the largest representable order.
	topOrder = MaxOrder - 1
)

// Page is one page-sized unit of the arena. Pages are never destroyed; they
// are reserved once at arena construction and only change ownership between
// "free" (on a buddy list), "cached" (pagecache) and "in-use" (returned to a
// caller, e.g. a slab).
type Page struct {
	index  int  // position within the arena, fixed for the page's lifetime
	order  int  // valid only while the page heads a free block
	inFree bool // true while linked into a free-list
	next   *Page
	prev   *Page

	// User is free for the owner (e.g. slab) to stash a back-pointer in,
	// mirroring the C union of {data_ptr | head_page_ptr} plus slab fields.
	// pagearena never reads or writes it.
	User any
}

// Index returns the page's fixed position in the arena, usable as a stable
// identity key (e.g. for a slab's virt_to_head_page-equivalent lookup).
func (p *Page) Index() int { return p.index }

// freeList is one order's list of free blocks, each headed by its lowest
// page. Implemented as an intrusive doubly linked list through Page so that
// removal of an arbitrary known block is O(1), matching the buddy
// allocator's "remove a specific buddy on merge" access pattern.
type freeList struct {
	head *Page
	n    int
}

func (l *freeList) pushFront(p *Page) {
	p.prev = nil
	p.next = l.head
	if l.head != nil {
		l.head.prev = p
	}
	l.head = p
	l.n++
}

func (l *freeList) remove(p *Page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		l.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	}
	p.next, p.prev = nil, nil
	l.n--
}

func (l *freeList) popFront() *Page {
	p := l.head
	if p != nil {
		l.remove(p)
	}
	return p
}

// zone owns every free-list for one node and the mutex serializing mutation.
// A real kernel-style arena would have many nodes; this one models a single
// node/zone pair, which is all a single address space needs, while keeping
// the node/zone split from the spec so a multi-node arena is a mechanical
// extension (one zone per node, a shared hasFree bitmap across nodes).
type zone struct {
	mu       sync.Mutex
	free     [MaxOrder]freeList
	freeSize int // count of free pages, any order
}

// Arena is the top-level allocator: one reserved range of pages split into a
// single node/zone (see zone doc comment) with per-order buddy free-lists.
type Arena struct {
	z     zone
	pages []Page // mem_map: every page descriptor, indexed by Page.index

	// onReclaim is invoked when allocation fails after exhausting the
	// buddy lists, giving a caller (slab's cache-shrink pass) a chance to
	// return memory before the request is failed for good. May be nil.
	onReclaim func() bool
}

// Option configures an Arena at construction.
type Option func(*options)

type options struct {
	onReclaim func() bool
}

// WithReclaimHook registers a callback run once, with the arena unlocked,
// when AllocPages cannot satisfy a request from the free lists. If it returns
// true (it freed something), the allocation is retried once.
func WithReclaimHook(fn func() bool) Option {
	return func(o *options) { o.onReclaim = fn }
}

// New reserves an arena of exactly numPages pages (rounded down to a multiple
// of 2^topOrder is not required; partial top-order blocks are simply never
// reachable at the top order).
func New(numPages int, opts ...Option) *Arena {
	if numPages <= 0 {
		panic("pagearena: numPages must be positive")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &Arena{
		pages:     make([]Page, numPages),
		onReclaim: o.onReclaim,
	}
	for i := range a.pages {
		a.pages[i].index = i
	}

	// Seed the free lists by greedily carving the arena into the largest
	// aligned power-of-two blocks that fit, from the front, same as a
	// fresh __free_pages_bulk walk over the whole reserved range.
	i := 0
	for i < numPages {
		order := topOrder
		for order > 0 {
			blockSize := 1 << order
			if i%blockSize == 0 && i+blockSize <= numPages {
				break
			}
			order--
		}
		a.linkFree(&a.pages[i], order)
		i += 1 << order
	}
	return a
}

func (a *Arena) linkFree(p *Page, order int) {
	p.order = order
	p.inFree = true
	a.z.free[order].pushFront(p)
	a.z.freeSize += 1 << order
}

// buddyIndex returns the index of the buddy of the block of the given order
// starting at index.
func buddyIndex(index, order int) int {
	return index ^ (1 << order)
}

// AllocPages removes 2^order contiguous pages from the free lists and returns
// the head Page, with inFree cleared (refcount, in the C sense, becomes 1).
// Returns nil if no block of sufficient size is available, even after
// invoking the reclaim hook.
func (a *Arena) AllocPages(order int) (*Page, error) {
	if order < 0 || order >= MaxOrder {
		return nil, fmt.Errorf("pagearena: order %d out of range [0,%d)", order, MaxOrder)
	}

	a.z.mu.Lock()
	p := a.rmqueueLocked(order)
	a.z.mu.Unlock()
	if p != nil {
		return p, nil
	}

	if a.onReclaim != nil && a.onReclaim() {
		a.z.mu.Lock()
		p = a.rmqueueLocked(order)
		a.z.mu.Unlock()
		if p != nil {
			return p, nil
		}
	}
	return nil, ErrOutOfMemory
}

// ErrOutOfMemory is returned when the arena has no block large enough to
// satisfy a request, even after reclaim.
var ErrOutOfMemory = fmt.Errorf("pagearena: out of memory")

// rmqueueLocked finds the lowest non-empty free-list at order >= requested,
// splits it down to the requested order, and returns the head page. Must be
// called with z.mu held.
func (a *Arena) rmqueueLocked(order int) *Page {
	for k := order; k < MaxOrder; k++ {
		fl := &a.z.free[k]
		if fl.n == 0 {
			continue
		}
		p := fl.popFront()
		a.z.freeSize -= 1 << k
		p.inFree = false
		return a.expandLocked(p, order, k)
	}
	return nil
}

// expandLocked splits a block of order "high" down to "low", pushing each
// freed half back onto its own free-list, and returns the remaining
// low-order block. This is the buddy system's "split" step.
func (a *Arena) expandLocked(p *Page, low, high int) *Page {
	size := 1 << high
	for high > low {
		high--
		size >>= 1
		buddy := &a.pages[p.index+size]
		a.linkFree(buddy, high)
	}
	return p
}

// FreePages returns a 2^order block (headed by p) to the arena, merging with
// its buddy repeatedly while the buddy is also free at the same order. Merged
// blocks are pushed to the head of their target order's list, matching the
// spec's tie-break rule.
func (a *Arena) FreePages(p *Page, order int) error {
	if order < 0 || order >= MaxOrder {
		return fmt.Errorf("pagearena: order %d out of range [0,%d)", order, MaxOrder)
	}
	if p.inFree {
		return fmt.Errorf("pagearena: double free of page %d", p.index)
	}

	a.z.mu.Lock()
	defer a.z.mu.Unlock()

	a.z.freeSize += 1 << order
	for order < topOrder {
		bIdx := buddyIndex(p.index, order)
		if bIdx+((1<<order)-1) >= len(a.pages) {
			break
		}
		buddy := &a.pages[bIdx]
		if !buddy.inFree || buddy.order != order {
			break
		}
		// Merge: remove the buddy from its free-list, fold it into p
		// (always keep the lower-indexed half as the block head, since
		// buddyIndex is symmetric - p may itself be the higher half).
		a.z.free[order].remove(buddy)
		if bIdx < p.index {
			p = buddy
		}
		order++
	}

	a.linkFree(p, order)
	a.releaseExcessTopOrder()
	return nil
}

// releaseExcessTopOrder models the spec's valve: "when the maximum-order
// list accumulates > 1 block, one block above the first is released back to
// the OS". This arena doesn't actually unmap memory (everything is reserved
// up front), so "release" here means nothing observable beyond keeping the
// accounting comment honest - the hook exists so a real mmap-backed arena
// can plug in munmap without touching the merge logic above. Must be called
// with z.mu held.
func (a *Arena) releaseExcessTopOrder() {
	// Intentionally a no-op in this in-process arena: pages are never
	// returned to an outer OS allocator because there isn't one. Kept as
	// a named step (rather than folded into FreePages) so the mmap-backed
	// variant only needs to fill in this one function.
}

// Stats reports point-in-time accounting, analogous to the zone's
// free_pages counter plus the has_free bit per node (here collapsed to a
// single zone, so "has free" is simply freeSize > 0).
type Stats struct {
	TotalPages int
	FreePages  int
	HasFree    bool
}

func (a *Arena) Stats() Stats {
	a.z.mu.Lock()
	defer a.z.mu.Unlock()
	return Stats{
		TotalPages: len(a.pages),
		FreePages:  a.z.freeSize,
		HasFree:    a.z.freeSize > 0,
	}
}

// orderForCount returns the smallest order whose block size is >= n pages,
// the equivalent of the slab layer's roundup(n, pages-per-block) step.
func orderForCount(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// OrderForCount exposes orderForCount for callers (slab) that need to size a
// multi-page block request.
func OrderForCount(n int) int { return orderForCount(n) }
