// Package reactor implements the spec's EventLooper component: one-or-many
// reactor loops multiplexing stream, timer, async-notify, and signal events
// over epoll/kqueue, driving the rcu package's grace periods and exposing
// the Submit surface the workqueue package schedules work through.
//
// Grounded on eventloop/loop.go's Loop: the state machine (reactor/state.go),
// the chunked ingress queue (reactor/ingress.go), the OS poller abstraction
// (reactor/poller.go + poller_linux.go/poller_darwin.go), and the wakeup
// discipline all carry the teacher's shape, re-targeted at this package's
// stream/timer/async/signal vocabulary instead of goja-style Task/Promise.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rancho0755777/skp-go/internal/xlog"
)

var (
	ErrLoopAlreadyRunning = errors.New("reactor: loop already running")
	ErrLoopTerminated     = errors.New("reactor: loop terminated")
	ErrReentrantRun       = errors.New("reactor: cannot call Run from within the loop")
	// ErrEventBusy is returned by RegisterStream for a fd that already has a
	// pending registration - the spec's "registering an already-pending
	// event (-EBUSY)" state error.
	ErrEventBusy = errors.New("reactor: event already registered")
	ErrStreamNotFound     = errors.New("reactor: stream not registered")
)

// IOCallback receives the ready event mask for a registered stream.
type IOCallback = ioCallback

type streamEntry struct {
	fd       int
	id       uint32
	mask     IOEvents
	cb       IOCallback
	pending  bool
	inFlight bool
	waiters  []chan struct{}
}

// AsyncHandle is a notify-only event: Emit wakes the looper and invokes the
// registered callback once for each Emit that moves the pending counter off
// its -1 sentinel (to 0); further emits made before the callback runs are
// coalesced into that run. The callback resets the counter to -1 before
// invoking cb.
type AsyncHandle struct {
	l       *Looper
	pending atomic.Int64
	cb      func()
}

// Emit schedules the async callback to run on the looper goroutine.
func (a *AsyncHandle) Emit() {
	if a.pending.Add(1) == 0 {
		a.l.submitInternal(func() {
			a.pending.Store(-1)
			a.cb()
		})
	}
}

// Looper is one reactor instance: an OS multiplexer, a timer wheel, a
// stream registry, async handles, optional signal delivery, and an RCU
// registration, all driven from a single owned goroutine.
type Looper struct {
	state    *fastState
	poller   poller
	timers   *timerWheel
	rcu      *rcuDomain
	rcuID    int
	signals  SignalBackend

	mu       sync.Mutex
	streams  map[int]*streamEntry
	ids      *idAllocator
	ingress  taskQueue
	loopDone chan struct{}
	wakeR    int
	wakeW    int
	log      *xlog.Logger

	runOnce sync.Once
	tid     atomic.Uint64
}

// rcuDomain is the subset of *rcu.Domain the looper depends on; declared
// here to avoid reactor importing rcu's concrete type in the public
// constructor signature while still letting callers pass a *rcu.Domain in.
type rcuDomain interface {
	Register() int
	Quiesce(looperID int)
	Call(fn func())
}

// Option configures a Looper at construction.
type Option func(*looperConfig)

type looperConfig struct {
	rcu rcuDomain
	log *xlog.Logger
}

// WithRCUDomain attaches an rcu.Domain this looper will Quiesce every tick,
// so deferred reclamation posted via that domain eventually retires.
func WithRCUDomain(d rcuDomain) Option {
	return func(c *looperConfig) { c.rcu = d }
}

// WithLogger attaches the ambient structured logger used for recovered
// callback panics and poller/signal registration failures.
func WithLogger(log *xlog.Logger) Option {
	return func(c *looperConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// NewLooper constructs a Looper with its OS poller initialized but not yet
// running; call Run to start the reactor loop.
func NewLooper(opts ...Option) (*Looper, error) {
	cfg := looperConfig{log: xlog.NoOp()}
	for _, o := range opts {
		o(&cfg)
	}

	p := newPoller()
	if err := p.init(); err != nil {
		return nil, err
	}

	l := &Looper{
		state:    newFastState(),
		poller:   p,
		timers:   newTimerWheel(),
		rcu:      cfg.rcu,
		streams:  make(map[int]*streamEntry),
		ids:      newIDAllocator(PerLooperEventsMax),
		loopDone: make(chan struct{}),
		log:      cfg.log,
	}
	if l.rcu != nil {
		l.rcuID = l.rcu.Register()
	}

	sb, err := newSignalBackend(p)
	if err != nil {
		p.close()
		return nil, err
	}
	l.signals = sb

	if err := l.initWakeup(); err != nil {
		p.close()
		return nil, err
	}
	return l, nil
}

// RegisterStream registers fd for mask events, delivering them to cb on
// the looper's own goroutine. Returns the stream's opaque cookie id.
func (l *Looper) RegisterStream(fd int, mask IOEvents, cb IOCallback) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.streams[fd]; exists {
		return 0, ErrEventBusy
	}
	id, ok := l.ids.alloc()
	if !ok {
		return 0, ErrTooManyStreams
	}

	entry := &streamEntry{fd: fd, id: id, mask: mask}
	entry.cb = func(ev IOEvents) {
		l.mu.Lock()
		cur, exists := l.streams[fd]
		valid := exists && cur.id == id
		if valid {
			cur.inFlight = true
		}
		l.mu.Unlock()
		if !valid {
			// fd was reused or deleted between dispatch and lookup;
			// skip silently per the spec's fd-reuse defense.
			return
		}
		cb(ev)
		l.mu.Lock()
		if cur, exists := l.streams[fd]; exists && cur.id == id {
			cur.inFlight = false
			for _, w := range cur.waiters {
				close(w)
			}
			cur.waiters = nil
		}
		l.mu.Unlock()
	}
	l.streams[fd] = entry

	if err := l.poller.registerFD(fd, mask, entry.cb); err != nil {
		l.ids.release(id)
		delete(l.streams, fd)
		return 0, err
	}
	entry.pending = true
	return id, nil
}

// ModifyStream changes the event mask for an already-registered stream.
func (l *Looper) ModifyStream(fd int, mask IOEvents) error {
	l.mu.Lock()
	e, ok := l.streams[fd]
	if !ok {
		l.mu.Unlock()
		return ErrStreamNotFound
	}
	e.mask = mask
	l.mu.Unlock()
	return l.poller.modifyFD(fd, mask)
}

// DeleteStream unregisters fd. Returns true if it removed a pending
// registration, false if fd was not registered.
func (l *Looper) DeleteStream(fd int) (bool, error) {
	l.mu.Lock()
	e, ok := l.streams[fd]
	if !ok {
		l.mu.Unlock()
		return false, nil
	}
	delete(l.streams, fd)
	l.ids.release(e.id)
	l.mu.Unlock()

	if err := l.poller.unregisterFD(fd); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteStreamSync unregisters fd and waits for any in-flight callback to
// return before returning itself. Per the spec's flagged source bug, it
// re-checks in-flight status after waking rather than assuming a single
// wait suffices, since the running flag may have been re-armed by a
// concurrent re-dispatch in the narrow window before delete took effect.
func (l *Looper) DeleteStreamSync(fd int) (bool, error) {
	for {
		l.mu.Lock()
		e, ok := l.streams[fd]
		if !ok {
			l.mu.Unlock()
			return false, nil
		}
		if !e.inFlight {
			delete(l.streams, fd)
			l.ids.release(e.id)
			l.mu.Unlock()
			if err := l.poller.unregisterFD(fd); err != nil {
				return false, err
			}
			return true, nil
		}
		wait := make(chan struct{})
		e.waiters = append(e.waiters, wait)
		l.mu.Unlock()

		<-wait
		// Loop back around: re-check inFlight rather than assuming this
		// single wait retired every in-flight callback.
	}
}

// NewAsync creates a notify-only event; call Emit to invoke cb on the
// looper goroutine, coalescing concurrent emits into one callback run.
func (l *Looper) NewAsync(cb func()) *AsyncHandle {
	h := &AsyncHandle{l: l, cb: cb}
	h.pending.Store(-1)
	return h
}

// RegisterTimer schedules fn to run once after delay.
func (l *Looper) RegisterTimer(delay time.Duration, fn func()) TimerID {
	var id TimerID
	done := make(chan struct{})
	l.submitInternal(func() {
		id = l.timers.schedule(delay, 0, fn)
		close(done)
	})
	<-done
	return id
}

// RegisterIntervalTimer schedules fn to run every interval, starting after
// the first interval elapses.
func (l *Looper) RegisterIntervalTimer(interval time.Duration, fn func()) TimerID {
	var id TimerID
	done := make(chan struct{})
	l.submitInternal(func() {
		id = l.timers.schedule(interval, interval, fn)
		close(done)
	})
	<-done
	return id
}

// ModifyTimer reschedules id to fire after delay from now.
func (l *Looper) ModifyTimer(id TimerID, delay time.Duration) bool {
	var ok bool
	done := make(chan struct{})
	l.submitInternal(func() {
		ok = l.timers.modify(id, delay)
		close(done)
	})
	<-done
	return ok
}

// DeleteTimer cancels a pending timer.
func (l *Looper) DeleteTimer(id TimerID) bool {
	var ok bool
	done := make(chan struct{})
	l.submitInternal(func() {
		ok = l.timers.cancel(id)
		close(done)
	})
	<-done
	return ok
}

// RegisterSignal arms delivery of sig to cb on the looper goroutine.
func (l *Looper) RegisterSignal(sig int, cb func()) error {
	return l.signals.Register(sig, func() { l.submitInternal(cb) })
}

// UnregisterSignal disarms delivery of sig.
func (l *Looper) UnregisterSignal(sig int) error {
	return l.signals.Unregister(sig)
}

// CallRCU defers fn until every looper registered on this looper's RCU
// domain has passed a grace period, per the rcu package's Domain.Call. On a
// looper built without WithRCUDomain, fn runs immediately on the caller's
// goroutine.
func (l *Looper) CallRCU(fn func()) {
	if l.rcu != nil {
		l.rcu.Call(fn)
		return
	}
	fn()
}

// Submit enqueues fn to run on the looper goroutine from any goroutine,
// waking the poller if it's blocked.
func (l *Looper) Submit(fn func()) error {
	if !l.state.canAcceptWork() {
		return ErrLoopTerminated
	}
	l.mu.Lock()
	l.ingress.push(fn)
	l.mu.Unlock()
	return l.wake()
}

// submitInternal is Submit without the terminal-state guard, used for
// looper-owned bookkeeping (timer registration, signal dispatch) that must
// still run even mid-shutdown drain.
func (l *Looper) submitInternal(fn func()) {
	l.mu.Lock()
	l.ingress.push(fn)
	l.mu.Unlock()
	l.wake()
}

func (l *Looper) drainIngress() {
	for {
		l.mu.Lock()
		fn, ok := l.ingress.pop()
		l.mu.Unlock()
		if !ok {
			return
		}
		l.safeExecute(fn)
	}
}

func (l *Looper) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Err().Interface("recover", r).Log("reactor: callback panicked, recovered")
		}
	}()
	fn()
}

// Run starts the reactor loop on the calling goroutine and blocks until ctx
// is canceled or Shutdown is called.
func (l *Looper) Run(ctx context.Context) error {
	l.tid.Store(goroutineTag())
	if !l.state.CAS(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	defer close(l.loopDone)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		select {
		case <-ctx.Done():
			l.state.transitionAny([]State{StateAwake, StateRunning, StateSleeping}, StateTerminating)
			l.shutdown()
			return ctx.Err()
		default:
		}

		if l.state.Load() == StateTerminating {
			l.shutdown()
			return nil
		}

		if err := l.tick(); err != nil {
			l.log.Err().Err(err).Log("reactor: poller error, terminating loop")
			l.state.transitionAny([]State{StateAwake, StateRunning, StateSleeping}, StateTerminating)
			l.shutdown()
			return fmt.Errorf("reactor: poll: %w", err)
		}
	}
}

// tick runs one iteration: ingress tasks, then poll for I/O (streams),
// then RCU quiescence, then expired timers - matching the spec's drain
// order ("streams, then expired RCU callbacks, then expired timers, then
// signals"). A non-nil error means the kernel multiplexer call itself
// failed (not EINTR, which the poller already absorbs) and the loop must
// terminate, per spec 4.4's failure clause.
func (l *Looper) tick() error {
	l.drainIngress()

	timeout := l.timers.nextTimeout()
	l.mu.Lock()
	hasWork := l.ingress.len() > 0
	l.mu.Unlock()
	if hasWork {
		timeout = 0
	}

	// CAS rather than Store, so a Terminating set by Shutdown during the
	// poll is not overwritten.
	l.state.CAS(StateRunning, StateSleeping)
	_, err := l.poller.pollIO(timeout)
	l.state.CAS(StateSleeping, StateRunning)
	if err != nil {
		return err
	}

	if l.rcu != nil {
		l.rcu.Quiesce(l.rcuID)
	}
	l.timers.runExpired(time.Now())
	return nil
}

func (l *Looper) shutdown() {
	l.mu.Lock()
	fds := make([]int, 0, len(l.streams))
	for fd := range l.streams {
		fds = append(fds, fd)
	}
	l.mu.Unlock()
	for _, fd := range fds {
		l.poller.unregisterFD(fd)
	}
	l.signals.Close()
	l.poller.close()
	l.state.Store(StateTerminated)
}

// Shutdown requests termination and blocks until the loop goroutine exits
// or ctx expires.
func (l *Looper) Shutdown(ctx context.Context) error {
	var result error
	l.runOnce.Do(func() {
		for {
			cur := l.state.Load()
			if cur == StateTerminated || cur == StateTerminating {
				result = ErrLoopTerminated
				return
			}
			if l.state.CAS(cur, StateTerminating) {
				if cur == StateAwake {
					l.shutdown()
					return
				}
				l.wake()
				break
			}
		}
		select {
		case <-l.loopDone:
		case <-ctx.Done():
			result = ctx.Err()
		}
	})
	return result
}

func (l *Looper) wake() error {
	if l.wakeW < 0 {
		return nil
	}
	var b [1]byte
	_, err := writeNonBlocking(l.wakeW, b[:])
	return err
}

func (l *Looper) initWakeup() error {
	r, w, err := newWakePipe()
	if err != nil {
		return fmt.Errorf("reactor: wake pipe: %w", err)
	}
	l.wakeR, l.wakeW = r, w
	_, err = l.RegisterStream(r, EventRead, func(IOEvents) {
		drainWakePipe(r)
	})
	return err
}
