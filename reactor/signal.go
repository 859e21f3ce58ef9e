package reactor

// SignalBackend abstracts OS signal delivery into the reactor's poll loop.
// poller_linux.go implements it over a signalfd registered with the same
// epoll instance as streams, so cb runs from the poller's fd-readiness
// dispatch; poller_darwin.go implements it with os/signal, calling cb from
// a helper goroutine. Looper.RegisterSignal wraps cb so the user callback
// itself always runs on the looper goroutine, never on a signal handler
// stack.
type SignalBackend interface {
	// Register arms delivery of sig to cb. The Linux backend blocks sig
	// with PthreadSigmask first; the Darwin backend does not block it.
	Register(sig int, cb func()) error
	// Unregister disarms delivery for sig. The Linux backend lifts its
	// block on sig unless sig was already blocked before the first
	// Register.
	Unregister(sig int) error
	// Close tears down the backend. The Linux backend restores the signal
	// mask saved before the first Register.
	Close() error
}
