package workqueue

import (
	"runtime"

	"golang.org/x/exp/constraints"

	"github.com/rancho0755777/skp-go/internal/xlog"
)

// config collects a Workqueue's construction-time options, resolved against
// defaults before New builds the pwq topology - the same shape as
// eventloop/options.go's resolveLoopOptions.
type config struct {
	unbound    bool
	shards     int
	maxActive  int
	memReclaim bool
	log        *xlog.Logger
}

func defaultConfig() config {
	return config{
		shards:    4,
		maxActive: DefaultMaxActive,
		log:       xlog.NoOp(),
	}
}

// DefaultMaxActive mirrors the spec's WQ_MAX_ACTIVE default admission limit
// per pool-queue.
const DefaultMaxActive = 256

// Option configures a Workqueue at construction.
type Option func(*config)

// WithUnbound makes the workqueue unbound: instead of sharing the process's
// static bound pools, it gets its own set of shards dynamic pools, each
// keyed by hash(work)&(N-1) (N rounded up to a power of two).
func WithUnbound(shards int) Option {
	return func(c *config) {
		c.unbound = true
		if shards > 0 {
			c.shards = nextPow2(shards)
		}
	}
}

// WithOrdered is WithUnbound(1) plus max_active=1: works on this queue run
// one at a time, in submission order, matching the spec's "Ordered wq:
// special unbound with N=1 and max_active=1".
func WithOrdered() Option {
	return func(c *config) {
		c.unbound = true
		c.shards = 1
		c.maxActive = 1
	}
}

// WithMaxActive caps concurrently-admitted works per pool-queue (per-CPU
// pwq for a bound wq, per-shard pwq for an unbound one).
func WithMaxActive(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxActive = n
		}
	}
}

// WithMemReclaim marks the workqueue WQ_MEM_RECLAIM: its pool keeps at
// least one permanent worker that the idle-timeout path never retires, so
// work queued from inside a memory-reclaim path (slab/pagearena shrink)
// always has somewhere to run even under load.
func WithMemReclaim() Option {
	return func(c *config) { c.memReclaim = true }
}

// WithLogger attaches the ambient structured logger used for recovered
// panics, drain refusals, and pool lifecycle events.
func WithLogger(log *xlog.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// nextPow2 rounds n up to the nearest power of two, generic over the same
// integer constraint catrate/ring.go's mask helper is built on - the
// unbound-pwq shard count must be a power of two so selectPWQ's
// hash(work)&(N-1) sharding is a plain mask rather than a modulo.
func nextPow2[T constraints.Integer](n T) T {
	if n <= 1 {
		return 1
	}
	p := T(1)
	for p < n {
		p <<= 1
	}
	return p
}

func defaultParallelism() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	return n
}
