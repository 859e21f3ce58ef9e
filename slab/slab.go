// Package slab implements a typed object cache on top of pagearena: a slab
// is one buddy block carved into equal-sized objects with an intrusive
// free-list, a per-goroutine "frozen" hot slab gives lockless alloc/free on
// the fast path, and caches without a fast path fall back to a lock-free
// cross-goroutine return pool.
package slab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rancho0755777/skp-go/internal/gid"
	"github.com/rancho0755777/skp-go/internal/xdebug"
	"github.com/rancho0755777/skp-go/pagearena"
)

// noNext marks the end of an intrusive free-list.
const noNext = ^uint32(0)

var (
	// ErrOutOfMemory mirrors pagearena.ErrOutOfMemory at the slab layer.
	ErrOutOfMemory = errors.New("slab: out of memory")
	// ErrDoubleFree is returned when Free is called on a Handle whose slot
	// pagearena would, had the caller gone through the page layer directly,
	// have flagged as not allocated.
	ErrDoubleFree = errors.New("slab: double free")
)

// slabPage is one buddy block carved into Cache.objects equal slots.
type slabPage struct {
	backing *pagearena.Page
	mem     []byte // objects * realSize bytes, the object storage

	locked atomic.Bool // bit-spinlock equivalent (PG_locked)

	// inuse counts live objects on this page. Both the owning goroutine's
	// lockless fast path and a foreign goroutine's locked flushBucket touch
	// it concurrently, so it's atomic rather than lock-guarded like the
	// freelists.
	inuse            atomic.Int64
	freelist         uint32 // slow-path head (guarded by locked)
	locklessFreelist uint32 // fast-path head, touched only by the freezing goroutine

	frozen bool // attached to a TLS slot or (no-TLS) the cache's active slot
}

func (c *Cache) lockPage(sp *slabPage) {
	for !sp.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (c *Cache) unlockPage(sp *slabPage) {
	sp.locked.Store(false)
}

func (sp *slabPage) objAt(idx uint32, realSize int) []byte {
	off := int(idx) * realSize
	return sp.mem[off : off+realSize]
}

func (sp *slabPage) nextOf(idx uint32, realSize int) uint32 {
	return binary.LittleEndian.Uint32(sp.objAt(idx, realSize))
}

func (sp *slabPage) setNext(idx, next uint32, realSize int) {
	binary.LittleEndian.PutUint32(sp.objAt(idx, realSize), next)
}

// pushFreelist pushes idx onto the slow-path freelist. Caller must hold the
// page lock.
func (sp *slabPage) pushFreelist(idx uint32, realSize int) {
	sp.setNext(idx, sp.freelist, realSize)
	sp.freelist = idx
}

func (sp *slabPage) popFreelist(realSize int) (uint32, bool) {
	if sp.freelist == noNext {
		return 0, false
	}
	idx := sp.freelist
	sp.freelist = sp.nextOf(idx, realSize)
	return idx, true
}

func (sp *slabPage) pushLockless(idx uint32, realSize int) {
	sp.setNext(idx, sp.locklessFreelist, realSize)
	sp.locklessFreelist = idx
}

func (sp *slabPage) popLockless(realSize int) (uint32, bool) {
	if sp.locklessFreelist == noNext {
		return 0, false
	}
	idx := sp.locklessFreelist
	sp.locklessFreelist = sp.nextOf(idx, realSize)
	return idx, true
}

// Handle is an allocated object: a slab page plus the object's slot index.
// It is the Go-idiomatic stand-in for a raw object pointer - see
// SPEC_FULL.md / DESIGN.md for why an index into a vector was chosen over
// unsafe pointer arithmetic.
type Handle struct {
	page *slabPage
	idx  uint32
}

// Bytes returns the object's backing storage. Valid until the Handle is
// freed; using it afterwards is a use-after-free the same as in C.
func (h Handle) Bytes(realSize int) []byte { return h.page.objAt(h.idx, realSize) }

// tlsEntry is one goroutine's fast-path state for a Cache: its frozen page,
// plus a return bucket for objects it frees that belong to someone else's
// frozen page (see freeTLS and flushBucket).
type tlsEntry struct {
	page   *slabPage
	bucket []uint32
	bucketPage *slabPage
}

// Cache is a typed object allocator: fixed-size objects carved out of
// pagearena blocks.
type Cache struct {
	name     string
	size     int // requested size
	realSize int // aligned size, >= 4 bytes to hold a freelist index
	align    int
	order    int // pages per slab = 2^order
	objects  int // objects per slab

	arena *pagearena.Arena

	useTLS      bool
	returnBatch int // foreign-free bucket flush threshold

	mu           sync.Mutex
	partial      []*slabPage
	full         []*slabPage
	partialQuota int
	refcount     int

	tls sync.Map // gid uint64 -> *tlsEntry, only used when useTLS

	// pool backs caches without a TLS fast path: a lock-free MPMC return
	// pool, grounded on eventloop's MicrotaskRing (per-slot full
	// atomic.Uint64 sequence numbers instead of a packed 16-bit nr/version
	// word - see DESIGN.md Open Question 2).
	pool *lockFreePool

	// activePage is the cache-wide "current" slab used by no-TLS caches
	// for fresh allocation (mirrors slab_page in the spec).
	activeMu   sync.Mutex
	activePage *slabPage
}

// Config controls Cache construction.
type Config struct {
	// Align is the object alignment; defaults to 8.
	Align int
	// Order is pages-per-slab (2^Order pages); defaults to 0 (one page),
	// raised automatically until at least one object fits in a slab.
	Order int
	// UseTLS enables the per-goroutine frozen-slab fast path. Disabled,
	// the cache uses only the lock-free return pool.
	UseTLS bool
	// ObjpoolCap bounds the lock-free pool's size for no-TLS caches;
	// defaults to 64. Ignored when UseTLS is true.
	ObjpoolCap int
	// ReturnBatch bounds how many foreign frees a goroutine buffers
	// before flushing them to the owning page in one batch; defaults to 8.
	ReturnBatch int
	// PartialQuota bounds how many empty-ish slabs stay on the partial
	// list before being discarded back to the arena; defaults to 16.
	PartialQuota int
}

const pageBytes = 4096 // nominal page size used to size slab blocks

// NewCache creates a cache of objects of the given size.
func NewCache(arena *pagearena.Arena, name string, size int, cfg Config) (*Cache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("slab: invalid size %d", size)
	}
	if cfg.Align <= 0 {
		cfg.Align = 8
	}
	if cfg.ObjpoolCap <= 0 {
		cfg.ObjpoolCap = 64
	}
	if cfg.ReturnBatch <= 0 {
		cfg.ReturnBatch = 8
	}
	if cfg.PartialQuota <= 0 {
		cfg.PartialQuota = 16
	}

	real := roundUp(size, cfg.Align)
	if real < 4 {
		real = 4 // must hold a uint32 freelist index
	}

	order := cfg.Order
	blockBytes := (1 << order) * pageBytes
	objects := blockBytes / real
	for objects < 1 {
		order++
		blockBytes = (1 << order) * pageBytes
		objects = blockBytes / real
	}

	c := &Cache{
		name:         name,
		size:         size,
		realSize:     real,
		align:        cfg.Align,
		order:        order,
		objects:      objects,
		arena:        arena,
		useTLS:       cfg.UseTLS,
		returnBatch:  cfg.ReturnBatch,
		partialQuota: cfg.PartialQuota,
		refcount:     1,
	}
	if !cfg.UseTLS {
		c.pool = newLockFreePool(cfg.ObjpoolCap)
	}
	return c, nil
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// newSlabPage carves a fresh buddy block into c.objects equal slots, chaining
// every slot onto the freelist (last-to-first, so index 0 ends up at the
// head - matching the source's ascending intrusive freelist init order).
func (c *Cache) newSlabPage() (*slabPage, error) {
	backing, err := c.arena.AllocPages(c.order)
	if err != nil {
		return nil, ErrOutOfMemory
	}
	sp := &slabPage{
		backing:  backing,
		mem:      make([]byte, c.objects*c.realSize),
		freelist: noNext,
	}
	for i := c.objects - 1; i >= 0; i-- {
		sp.pushFreelist(uint32(i), c.realSize)
	}
	backing.User = sp
	return sp, nil
}

// Alloc returns a fresh object, via the TLS fast path if enabled, else via
// the lock-free pool, falling back to carving a new slab in both cases.
func (c *Cache) Alloc() (Handle, error) {
	if c.useTLS {
		return c.allocTLS()
	}
	return c.allocPooled()
}

func (c *Cache) selfTLS() *tlsEntry {
	key := gid.Current()
	if v, ok := c.tls.Load(key); ok {
		return v.(*tlsEntry)
	}
	e := &tlsEntry{}
	actual, _ := c.tls.LoadOrStore(key, e)
	return actual.(*tlsEntry)
}

func (c *Cache) allocTLS() (Handle, error) {
	e := c.selfTLS()

	if e.page != nil {
		if idx, ok := e.page.popLockless(c.realSize); ok {
			e.page.inuse.Add(1)
			return Handle{page: e.page, idx: idx}, nil
		}
		// Lockless freelist empty: promote the slow freelist under lock.
		c.lockPage(e.page)
		if e.page.freelist != noNext {
			e.page.locklessFreelist = e.page.freelist
			e.page.freelist = noNext
		}
		c.unlockPage(e.page)
		if idx, ok := e.page.popLockless(c.realSize); ok {
			e.page.inuse.Add(1)
			return Handle{page: e.page, idx: idx}, nil
		}
		// Page is fully allocated: deactivate and fetch a replacement.
		c.deactivate(e.page)
		e.page = nil
	}

	sp, err := c.acquireFreshFrozen()
	if err != nil {
		return Handle{}, err
	}
	e.page = sp
	idx, _ := sp.popLockless(c.realSize)
	sp.inuse.Add(1)
	return Handle{page: sp, idx: idx}, nil
}

// acquireFreshFrozen scans the partial list for a page to freeze, else
// carves a new slab, in both cases moving its entire freelist into the
// lockless freelist so the TLS fast path never has to touch the slow path
// again until it runs dry.
func (c *Cache) acquireFreshFrozen() (*slabPage, error) {
	c.mu.Lock()
	if n := len(c.partial); n > 0 {
		sp := c.partial[n-1]
		c.partial = c.partial[:n-1]
		c.mu.Unlock()

		c.lockPage(sp)
		sp.frozen = true
		sp.locklessFreelist = sp.freelist
		sp.freelist = noNext
		c.unlockPage(sp)
		return sp, nil
	}
	c.mu.Unlock()

	sp, err := c.newSlabPage()
	if err != nil {
		return nil, err
	}
	sp.frozen = true
	sp.locklessFreelist = sp.freelist
	sp.freelist = noNext
	return sp, nil
}

// deactivate unfreezes a page and files it on the partial (objects
// remaining) or full (none remaining) list, discarding it back to the arena
// instead if it has no live objects and the partial list already holds
// partialQuota entries.
func (c *Cache) deactivate(sp *slabPage) {
	c.lockPage(sp)
	sp.frozen = false
	// Fold any remaining lockless entries back into the slow freelist so
	// the page is self-consistent while sitting on a shared list.
	for {
		idx, ok := sp.popLockless(c.realSize)
		if !ok {
			break
		}
		sp.pushFreelist(idx, c.realSize)
	}
	empty := sp.freelist == noNext
	c.unlockPage(sp)

	c.mu.Lock()
	defer c.mu.Unlock()
	if empty {
		c.full = append(c.full, sp)
		return
	}
	if len(c.partial) >= c.partialQuota && sp.inuse.Load() == 0 {
		c.discardLocked(sp)
		return
	}
	c.partial = append(c.partial, sp)
}

// discardLocked returns an entirely-unused slab page's backing block to the
// arena. Caller must hold c.mu.
func (c *Cache) discardLocked(sp *slabPage) {
	_ = c.arena.FreePages(sp.backing, c.order)
}

// Free releases an object obtained from Alloc.
func (c *Cache) Free(h Handle) error {
	if c.useTLS {
		return c.freeTLS(h)
	}
	return c.freePooled(h)
}

func (c *Cache) freeTLS(h Handle) error {
	e := c.selfTLS()
	sp := h.page

	if e.page == sp {
		sp.pushLockless(h.idx, c.realSize)
		sp.inuse.Add(-1)
		return nil
	}

	// Foreign page: buffer in this goroutine's return bucket, flushing
	// the previous bucket if it targeted a different page or is full.
	if e.bucketPage != sp {
		c.flushBucket(e)
		e.bucketPage = sp
	}
	e.bucket = append(e.bucket, h.idx)
	if len(e.bucket) >= c.returnBatch {
		c.flushBucket(e)
	}
	return nil
}

func (c *Cache) flushBucket(e *tlsEntry) {
	if e.bucketPage == nil || len(e.bucket) == 0 {
		e.bucket = e.bucket[:0]
		e.bucketPage = nil
		return
	}
	sp := e.bucketPage
	c.lockPage(sp)
	for _, idx := range e.bucket {
		sp.pushFreelist(idx, c.realSize)
	}
	before := sp.inuse.Load()
	after := sp.inuse.Add(-int64(len(e.bucket)))
	wasFull := !sp.frozen && before == int64(c.objects)
	nowEmpty := !sp.frozen && sp.freelist != noNext && after == 0
	c.unlockPage(sp)

	if wasFull || nowEmpty {
		c.refile(sp)
	}

	e.bucket = e.bucket[:0]
	e.bucketPage = nil
}

// refile moves a (non-frozen) page between the full and partial lists after
// its freelist occupancy changed out from under a foreign free.
func (c *Cache) refile(sp *slabPage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.full {
		if p == sp {
			c.full = append(c.full[:i], c.full[i+1:]...)
			c.partial = append(c.partial, sp)
			return
		}
	}
}

// allocPooled and freePooled implement the no-TLS path: a lock-free return
// pool first, falling back to the partial/full lists under c.mu otherwise.
func (c *Cache) allocPooled() (Handle, error) {
	if h, ok := c.pool.pop(); ok {
		return h, nil
	}

	c.activeMu.Lock()
	defer c.activeMu.Unlock()

	for {
		if c.activePage != nil {
			c.lockPage(c.activePage)
			idx, ok := c.activePage.popFreelist(c.realSize)
			if ok {
				c.activePage.inuse.Add(1)
			}
			c.unlockPage(c.activePage)
			if ok {
				return Handle{page: c.activePage, idx: idx}, nil
			}
			c.deactivate(c.activePage)
			c.activePage = nil
		}

		sp, err := c.acquireFreshFrozen()
		if err != nil {
			return Handle{}, err
		}
		// No-TLS caches don't keep a "lockless" split; treat the whole
		// freelist as the slow path immediately.
		c.lockPage(sp)
		sp.freelist = sp.locklessFreelist
		sp.locklessFreelist = noNext
		c.unlockPage(sp)
		c.activePage = sp
	}
}

func (c *Cache) freePooled(h Handle) error {
	if c.pool.push(h) {
		return nil
	}
	// Pool full: drain it entirely into the slab layer, then retry the
	// push; if other goroutines refilled the pool in the meantime, h goes
	// straight to its slab instead.
	c.drainPoolToSlab()
	if c.pool.push(h) {
		return nil
	}
	return c.freeDirect(h)
}

func (c *Cache) drainPoolToSlab() {
	for {
		h, ok := c.pool.pop()
		if !ok {
			return
		}
		_ = c.freeDirect(h)
	}
}

// freeDirect returns h's slot to sp's slow freelist. It detects a double
// free by checking inuse would underflow - a best-effort check, since the
// lock-free return pool (freePooled's primary path) has no slot-validity
// check of its own and only calls through here once it drains.
func (c *Cache) freeDirect(h Handle) error {
	sp := h.page
	c.lockPage(sp)
	if sp.inuse.Load() <= 0 {
		c.unlockPage(sp)
		xdebug.Assert(false, "slab %q: double free of slot %d", c.name, h.idx)
		return ErrDoubleFree
	}
	wasFull := sp.inuse.Load() == int64(c.objects)
	sp.pushFreelist(h.idx, c.realSize)
	nowEmpty := sp.inuse.Add(-1) == 0
	c.unlockPage(sp)
	if wasFull || nowEmpty {
		c.refile(sp)
	}
	return nil
}

// Shrink sorts the partial list by inuse ascending and discards any fully
// empty slab pages back to the arena, mirroring cache_shrink.
func (c *Cache) Shrink() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	sort.Slice(c.partial, func(i, j int) bool {
		return c.partial[i].inuse.Load() < c.partial[j].inuse.Load()
	})

	freed := 0
	kept := c.partial[:0]
	for _, sp := range c.partial {
		c.lockPage(sp)
		empty := sp.inuse.Load() == 0
		c.unlockPage(sp)
		if empty {
			c.discardLocked(sp)
			freed++
			continue
		}
		kept = append(kept, sp)
	}
	c.partial = kept
	return freed
}

// Stats reports descriptor-level accounting for tests/diagnostics.
type Stats struct {
	PartialSlabs int
	FullSlabs    int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{PartialSlabs: len(c.partial), FullSlabs: len(c.full)}
}
