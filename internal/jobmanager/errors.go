package jobmanager

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound          = errors.New("job not found")
	ErrUnitUnknown          = errors.New("unit unknown")
	ErrInvalidName          = errors.New("invalid unit name")
	ErrUnfixableDeadlock    = errors.New("unfixable ordering cycle")
	ErrUnmergeableConflict  = errors.New("conflicting job already queued")
	ErrBusy                 = errors.New("unit busy with irreversible job")
	ErrAlreadyMerged        = errors.New("unit already merged")
	ErrTypeMismatch         = errors.New("unit type mismatch")
	ErrJobTypeNotApplicable = errors.New("job type not applicable to unit")
	ErrTooManyJobs          = errors.New("too many jobs")
	ErrManagerStopped       = errors.New("manager stopped")
)

// TransactionError is returned when a transaction is rejected. Kind is one
// of the sentinel errors above and is matched by errors.Is.
type TransactionError struct {
	Kind   error
	Unit   string
	Type   JobType
	Detail string
}

func (e *TransactionError) Error() string {
	msg := fmt.Sprintf("%s/%s: %s", e.Unit, e.Type, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	return msg
}

func (e *TransactionError) Unwrap() error {
	return e.Kind
}

func newTransactionError(
	kind error,
	unit string,
	t JobType,
	format string,
	args ...any,
) *TransactionError {
	return &TransactionError{
		Kind:   kind,
		Unit:   unit,
		Type:   t,
		Detail: fmt.Sprintf(format, args...),
	}
}
