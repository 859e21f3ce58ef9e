package reactor

import "sync/atomic"

// State is a looper's lifecycle stage. Adapted from eventloop's FastState:
// a lock-free CAS machine with cache-line padding to avoid false sharing
// between the goroutine driving the poll loop and goroutines calling
// Submit/Shutdown concurrently.
type State uint32

const (
	StateAwake State = iota
	StateRunning
	StateSleeping
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a cache-line-padded atomic holder for State.
type fastState struct {
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint32(StateAwake))
	return s
}

func (s *fastState) Load() State { return State(s.v.Load()) }

func (s *fastState) Store(v State) { s.v.Store(uint32(v)) }

func (s *fastState) CAS(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

func (s *fastState) transitionAny(from []State, to State) bool {
	for _, f := range from {
		if s.v.CompareAndSwap(uint32(f), uint32(to)) {
			return true
		}
	}
	return false
}

func (s *fastState) isTerminal() bool { return s.Load() == StateTerminated }

func (s *fastState) canAcceptWork() bool {
	switch s.Load() {
	case StateAwake, StateRunning, StateSleeping:
		return true
	default:
		return false
	}
}
