//go:build linux

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sizeofSignalfdSiginfo bounds the read buffer; the kernel struct is 128
// bytes on every architecture Linux defines it for.
const sizeofSignalfdSiginfo = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))

// maxFDs bounds direct-array FD indexing, the same tradeoff eventloop's
// poller_linux.go makes (a flat array beats a map on the hot dispatch path;
// see dispatchEvents below).
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

// epollPoller multiplexes via epoll. Adapted from eventloop/poller_linux.go:
// same direct-array fd table, same "capture a version before the blocking
// syscall, discard stale results if it changed concurrently" pattern (here
// used for the fd-reuse defeat the spec's stream registration requires),
// same "copy fdInfo under RLock, invoke callback outside the lock" dispatch
// discipline.
type epollPoller struct {
	epfd     int32
	version  atomic.Uint64
	eventBuf [256]unix.EpollEvent
	fds      [maxFDs]fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func newPoller() poller { return &epollPoller{} }

func (p *epollPoller) init() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = int32(fd)
	return nil
}

func (p *epollPoller) close() error {
	p.closed.Store(true)
	return unix.Close(int(p.epfd))
}

func (p *epollPoller) registerFD(fd int, events IOEvents, cb ioCallback) error {
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

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{}
		p.fdMu.Unlock()
		return err
	}
	p.version.Add(1)
	return nil
}

func (p *epollPoller) unregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	p.fdMu.Unlock()

	unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
	p.version.Add(1)
	return nil
}

func (p *epollPoller) modifyFD(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd].events = events
	p.fdMu.Unlock()

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) pollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	before := p.version.Load()
	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if p.version.Load() != before {
		// A concurrent register/unregister/modify raced the blocking
		// wait; the fd table may no longer match what we polled, so
		// discard this batch rather than dispatch against stale state
		// (same defeat-fd-reuse technique eventloop's poller applies).
		return 0, nil
	}

	p.dispatchEvents(n)
	return n, nil
}

func (p *epollPoller) dispatchEvents(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		p.fdMu.RLock()
		info := p.fds[fd]
		p.fdMu.RUnlock()

		if info.active && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
}

func eventsToEpoll(e IOEvents) uint32 {
	var m uint32
	if e&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func epollToEvents(m uint32) IOEvents {
	var e IOEvents
	if m&unix.EPOLLIN != 0 {
		e |= EventRead
	}
	if m&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if m&unix.EPOLLERR != 0 {
		e |= EventError
	}
	if m&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		e |= EventHangup
	}
	return e
}

// sigaddset and sigdelset set/clear bit sig-1 of a Sigset_t's word array
// directly: x/sys/unix exposes no Sigaddset/Sigdelset on linux (the raw
// rtSigprocmask is unexported, and the only public mask call is
// PthreadSigmask), so the bitmask this package needs is built by hand.
func sigaddset(mask *unix.Sigset_t, sig int) {
	mask.Val[(sig-1)/64] |= 1 << (uint(sig-1) % 64)
}

func sigdelset(mask *unix.Sigset_t, sig int) {
	mask.Val[(sig-1)/64] &^= 1 << (uint(sig-1) % 64)
}

// signalfdBackend implements SignalBackend using Linux signalfd: the signal
// is blocked process-wide (its prior block state saved for restore on
// Close) and delivered as a readable fd registered with the same epoll
// instance used for streams, matching the spec's "signalfd + sigprocmask"
// external interface.
type signalfdBackend struct {
	p       *epollPoller
	fd      int
	mu      sync.Mutex
	cbs     map[unix.Signal]func()
	mask    unix.Sigset_t
	prior   unix.Sigset_t
}

func newSignalBackend(p poller) (SignalBackend, error) {
	ep, ok := p.(*epollPoller)
	if !ok {
		return nil, fmt.Errorf("reactor: signalfd backend requires the epoll poller")
	}
	return &signalfdBackend{p: ep, fd: -1, cbs: make(map[unix.Signal]func())}, nil
}

func (b *signalfdBackend) Register(sig int, cb func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sigaddset(&b.mask, sig)
	b.cbs[unix.Signal(sig)] = cb

	var prior unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &b.mask, &prior); err != nil {
		return err
	}
	if b.fd < 0 {
		b.prior = prior
		fd, err := unix.Signalfd(-1, &b.mask, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
		if err != nil {
			return err
		}
		b.fd = fd
		return b.p.registerFD(fd, EventRead, b.onReadable)
	}
	_, err := unix.Signalfd(b.fd, &b.mask, 0)
	return err
}

func (b *signalfdBackend) onReadable(IOEvents) {
	var buf [sizeofSignalfdSiginfo]byte
	for {
		n, err := unix.Read(b.fd, buf[:])
		if err != nil || n < len(buf) {
			break
		}
		signo := binary.NativeEndian.Uint32(buf[:4])
		b.mu.Lock()
		cb := b.cbs[unix.Signal(signo)]
		b.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

func (b *signalfdBackend) Unregister(sig int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cbs, unix.Signal(sig))
	sigdelset(&b.mask, sig)
	if _, err := unix.Signalfd(b.fd, &b.mask, 0); err != nil {
		return err
	}
	// Restore sig's prior block state: lift the block only if sig was not
	// already blocked before the first Register.
	if b.prior.Val[(sig-1)/64]&(1<<(uint(sig-1)%64)) != 0 {
		return nil
	}
	var one unix.Sigset_t
	sigaddset(&one, sig)
	return unix.PthreadSigmask(unix.SIG_UNBLOCK, &one, nil)
}

func (b *signalfdBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd >= 0 {
		b.p.unregisterFD(b.fd)
		unix.Close(b.fd)
	}
	return unix.PthreadSigmask(unix.SIG_SETMASK, &b.prior, nil)
}
