package process

import (
	"errors"
	"fmt"
)

var (
	ErrNoCommand = errors.New("no command configured")
	ErrNoOutput  = errors.New("no output recorded for unit")
)

// InvalidStateError is returned when attempting an invalid Process state
// transition.
type InvalidStateError struct {
	from State
	to   State
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to State) InvalidStateError {
	return InvalidStateError{from, to}
}

// ExitError is returned when a command the unit depends on exits with a
// non-zero status.
type ExitError struct {
	Program  string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Program, e.ExitCode)
}
