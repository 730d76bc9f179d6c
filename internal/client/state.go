package client

import "sync/atomic"

// State is one stage of the protocol client's connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connected
	InitSent
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connected:
		return "CONNECTED"
	case InitSent:
		return "INIT_SENT"
	case Ready:
		return "READY"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// stateBox is an atomic holder for State, mirroring the worker pool's use
// of atomic.Int32 for state shared between the connection goroutine and
// readers like the diagnostics server.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) Load() State {
	return State(b.v.Load())
}

func (b *stateBox) Store(s State) {
	b.v.Store(int32(s))
}

// CompareAndSwap atomically transitions the state from old to new, returning
// false if the current state was not old.
func (b *stateBox) CompareAndSwap(old, new State) bool {
	return b.v.CompareAndSwap(int32(old), int32(new))
}
