// Package pagecache batches single-page allocation in front of pagearena,
// keyed by goroutine affinity (see internal/gid) the same way the C source
// keys its per-thread LIFO page list off the calling thread.
package pagecache

import (
	"sync"

	"github.com/rancho0755777/skp-go/internal/gid"
	"github.com/rancho0755777/skp-go/pagearena"
)

const (
	// DefaultLow, DefaultHigh and DefaultBatch are the refill/drain
	// watermarks from the spec: Get below Low triggers a refill of Batch
	// pages, and Put above High triggers a drain of Batch pages back down
	// towards Low.
	DefaultLow   = 8
	DefaultHigh  = 12
	DefaultBatch = 4
)

// entry is one goroutine's cached page list. Only the owning goroutine ever
// touches items (the map lookup that finds this entry is the only point of
// contention), so no per-entry lock is required.
type entry struct {
	items []*pagearena.Page
}

// Cache is a per-goroutine LIFO front end for an Arena's order-0 free list.
type Cache struct {
	arena *pagearena.Arena
	goros sync.Map // gid uint64 -> *entry

	low, high, batch int
}

// Option configures a Cache.
type Option func(*Cache)

// WithWatermarks overrides the default low/high/batch watermarks.
func WithWatermarks(low, high, batch int) Option {
	return func(c *Cache) {
		c.low, c.high, c.batch = low, high, batch
	}
}

// New builds a Cache over the given Arena.
func New(arena *pagearena.Arena, opts ...Option) *Cache {
	c := &Cache{
		arena: arena,
		low:   DefaultLow,
		high:  DefaultHigh,
		batch: DefaultBatch,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) self() *entry {
	key := gid.Current()
	if v, ok := c.goros.Load(key); ok {
		return v.(*entry)
	}
	e := &entry{}
	actual, _ := c.goros.LoadOrStore(key, e)
	return actual.(*entry)
}

// Get returns a single free page, refilling this goroutine's list from the
// arena in batches if it has fallen below the low watermark.
func (c *Cache) Get() (*pagearena.Page, error) {
	e := c.self()
	if len(e.items) < c.low {
		if err := c.refill(e); err != nil && len(e.items) == 0 {
			return nil, err
		}
	}
	n := len(e.items) - 1
	p := e.items[n]
	e.items = e.items[:n]
	return p, nil
}

// refill pulls up to Batch order-0 pages straight from the arena, same as the source's rmqueue_bulk under the zone
// lock - here the "lock" is just Arena.AllocPages serializing on the zone
// mutex internally.
func (c *Cache) refill(e *entry) error {
	got := 0
	for got < c.batch {
		p, err := c.arena.AllocPages(0)
		if err != nil {
			if got > 0 {
				// Partial refill still counts as progress; only a
				// fully empty refill is a hard failure.
				return nil
			}
			return err
		}
		e.items = append(e.items, p)
		got++
	}
	return nil
}

// Put returns a page to this goroutine's cached list, draining Batch pages
// back to the arena if the list has grown past the high watermark.
func (c *Cache) Put(p *pagearena.Page) error {
	e := c.self()
	e.items = append(e.items, p)
	if len(e.items) > c.high {
		return c.drain(e, c.batch)
	}
	return nil
}

// drain returns n pages (LIFO, mirroring the way they were cached) from e to
// the arena.
func (c *Cache) drain(e *entry, n int) error {
	for i := 0; i < n && len(e.items) > 0; i++ {
		last := len(e.items) - 1
		p := e.items[last]
		e.items = e.items[:last]
		if err := c.arena.FreePages(p, 0); err != nil {
			return err
		}
	}
	return nil
}

// DrainCurrent empties the calling goroutine's cached list back to the
// arena. Go has no thread-exit hook to call this automatically the way the
// source's TLS destructor does; callers that spin up a goroutine dedicated
// to allocator-heavy work (e.g. a reactor or workqueue worker) should defer
// DrainCurrent so the cache doesn't outlive its only user.
func (c *Cache) DrainCurrent() error {
	e := c.self()
	return c.drain(e, len(e.items))
}

// Len reports how many pages are currently cached for the calling goroutine,
// for tests and diagnostics.
func (c *Cache) Len() int {
	return len(c.self().items)
}
