//go:build darwin

package reactor

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const maxFDs = 65536

var (
	ErrFDOutOfRange        = fmt.Errorf("reactor: fd out of range")
	ErrFDAlreadyRegistered = fmt.Errorf("reactor: fd already registered")
	ErrFDNotRegistered     = fmt.Errorf("reactor: fd not registered")
	ErrPollerClosed        = fmt.Errorf("reactor: poller closed")
)

type fdInfo struct {
	callback ioCallback
	events   IOEvents
	active   bool
}

// kqueuePoller multiplexes via kqueue. Adapted from eventloop/poller_darwin.go's
// FastPoller: cache-line-padded kq handle, fixed-size fd table, and the same
// "copy fdInfo under RLock, invoke callback outside the lock" discipline used
// by the Linux poller.
type kqueuePoller struct {
	_        [64]byte
	kq       int32
	_        [60]byte
	eventBuf [256]unix.Kevent_t
	fds      [maxFDs]fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func newPoller() poller { return &kqueuePoller{} }

func (p *kqueuePoller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = int32(kq)
	return nil
}

func (p *kqueuePoller) close() error {
	p.closed.Store(true)
	return unix.Close(int(p.kq))
}

func (p *kqueuePoller) registerFD(fd int, events IOEvents, cb ioCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.fdMu.Unlock()

	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
			p.fdMu.Lock()
			p.fds[fd] = fdInfo{}
			p.fdMu.Unlock()
			return err
		}
	}
	return nil
}

func (p *kqueuePoller) unregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	events := p.fds[fd].events
	p.fds[fd] = fdInfo{}
	p.fdMu.Unlock()

	kevents := eventsToKevents(fd, events, unix.EV_DELETE)
	if len(kevents) > 0 {
		unix.Kevent(int(p.kq), kevents, nil, nil)
	}
	return nil
}

func (p *kqueuePoller) modifyFD(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	old := p.fds[fd].events
	p.fds[fd].events = events
	p.fdMu.Unlock()

	if old&^events != 0 {
		if kevents := eventsToKevents(fd, old&^events, unix.EV_DELETE); len(kevents) > 0 {
			unix.Kevent(int(p.kq), kevents, nil, nil)
		}
	}
	if events&^old != 0 {
		if kevents := eventsToKevents(fd, events&^old, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *kqueuePoller) pollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64(timeoutMs%1000) * 1000000,
		}
	}

	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	p.dispatchEvents(n)
	return n, nil
}

func (p *kqueuePoller) dispatchEvents(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		p.fdMu.RLock()
		info := p.fds[fd]
		p.fdMu.RUnlock()

		if info.active && info.callback != nil {
			info.callback(keventToEvents(&p.eventBuf[i]))
		}
	}
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var e IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		e |= EventRead
	case unix.EVFILT_WRITE:
		e |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		e |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		e |= EventHangup
	}
	return e
}

// kqueueSignalBackend delivers signals through Go's os/signal package: each
// Register starts a goroutine that receives from a signal.Notify channel
// and calls the registered callback directly; kqueue is not involved.
// kqueue's own EVFILT_SIGNAL only fires for signals that were never masked
// out, which can't coexist with Go's runtime signal handling.
type kqueueSignalBackend struct {
	mu  sync.Mutex
	chs map[int]chan struct{}
	cbs map[int]func()
}

func newSignalBackend(p poller) (SignalBackend, error) {
	return &kqueueSignalBackend{chs: make(map[int]chan struct{}), cbs: make(map[int]func())}, nil
}

func (b *kqueueSignalBackend) Register(sig int, cb func()) error {
	b.mu.Lock()
	if _, ok := b.chs[sig]; ok {
		b.mu.Unlock()
		return fmt.Errorf("reactor: signal %d already registered", sig)
	}
	ch := make(chan struct{}, 1)
	b.chs[sig] = ch
	b.cbs[sig] = cb
	b.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.Signal(sig))
	go func() {
		for range sigCh {
			b.mu.Lock()
			c, ok := b.cbs[sig]
			b.mu.Unlock()
			if ok {
				c()
			}
		}
	}()
	return nil
}

func (b *kqueueSignalBackend) Unregister(sig int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.chs, sig)
	delete(b.cbs, sig)
	signal.Reset(unix.Signal(sig))
	return nil
}

func (b *kqueueSignalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sig := range b.chs {
		signal.Reset(unix.Signal(sig))
	}
	b.chs = make(map[int]chan struct{})
	b.cbs = make(map[int]func())
	return nil
}
