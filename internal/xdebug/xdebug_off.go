//go:build !debug

package xdebug

// Enabled reports whether debug-only invariant checks are compiled in. Build
// with -tags debug to turn BUG_ON/WARN_ON-style assertions into panics;
// without the tag, Assert and Warn are no-ops (the release build of the
// spec's "log-and-abort in debug, log-and-continue in release" policy).
const Enabled = false
