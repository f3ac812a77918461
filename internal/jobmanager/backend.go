package jobmanager

// Outcome is the result of a backend action.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeCanceled
)

var outcomes = []string{"success", "failure", "canceled"}

func (o Outcome) String() string {
	if int(o) < 0 || int(o) >= len(outcomes) {
		return "unknown"
	}

	return outcomes[o]
}

// Completion is reported once by the backend for every action it accepted.
type Completion struct {
	Outcome Outcome

	// Exited is set when a started unit has already run to completion and
	// does not stay active, e.g. a oneshot service.
	Exited bool

	Err error
}

// Action asks the backend to start, stop or reload a unit.
type Action struct {
	Job        JobID
	Invocation string
	Unit       string
	Type       JobType
	Definition *Definition
}

// Handle refers to an action in progress.
type Handle interface {
	// Cancel asks the backend to abandon the action. The backend still
	// reports a Completion, usually OutcomeCanceled.
	Cancel()
}

// Backend performs actions on units. Run must not block: it starts the
// action and calls complete exactly once, from any goroutine, when the
// action has finished.
type Backend interface {
	Run(a Action, complete func(Completion)) (Handle, error)
}
