// Package xdebug provides BUG_ON/WARN_ON-style invariant checks for the
// allocator and reactor packages: a violated invariant panics when the
// module is built with -tags debug, and is a silent no-op otherwise, per
// the spec's debug-vs-release divergence on internal consistency checks
// (freelist corruption, double-free, refcount underflow).
package xdebug

import "fmt"

// Assert panics with a formatted message if cond is false and the package
// was built with -tags debug. It is a zero-cost no-op in a release build -
// callers must not rely on its side effects (spec's BUG_ON).
func Assert(cond bool, format string, args ...any) {
	if Enabled && !cond {
		panic(fmt.Sprintf("xdebug: assertion failed: "+format, args...))
	}
}

// Warn reports a suspicious-but-recoverable condition (spec's WARN_ON):
// always cheap to call, only fires a callback when built with -tags debug.
func Warn(cond bool, fn func()) {
	if Enabled && !cond {
		fn()
	}
}
