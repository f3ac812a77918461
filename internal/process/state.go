package process

import "sync/atomic"

// State is the lifecycle position of a Process.
type State int

const (
	// StateUnknown is the zero value for functions returning a (possibly
	// absent) State.
	StateUnknown State = iota

	// StateCreated indicates the command is configured and can be started.
	StateCreated

	// StateStarting indicates Start was called but the command has not yet
	// started.
	StateStarting

	// StateRunning indicates the command has started and can be stopped.
	StateRunning

	// StateStopping indicates the process was killed but has not yet been
	// reaped.
	StateStopping

	// StateExited indicates the process has exited with an exit code.
	StateExited

	// StateFailed indicates the process could not be started, e.g. the
	// program does not exist or the cgroup could not be joined.
	StateFailed
)

// NOTE: This slice needs to be kept in sync with any changes to the State
// values.
var states = []string{
	"unknown",
	"created",
	"starting",
	"running",
	"stopping",
	"exited",
	"failed",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(states) {
		return states[0]
	}

	return states[s]
}

// AtomicState wraps an atomic.Int32 so state transitions can be validated
// with CompareAndSwap without holding a lock on the Process.
type AtomicState struct {
	v atomic.Int32
}

func (a *AtomicState) Load() State {
	return State(a.v.Load())
}

func (a *AtomicState) Store(s State) {
	a.v.Store(int32(s))
}

func (a *AtomicState) CompareAndSwap(o, n State) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
