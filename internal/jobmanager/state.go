package jobmanager

import (
	"fmt"
	"strings"
)

// JobState is the lifecycle position of a job.
type JobState int

const (
	// JobWaiting indicates the job is queued and waits for the jobs ordered
	// before it.
	JobWaiting JobState = iota

	// JobRunning indicates the job has been handed to the backend.
	JobRunning

	// JobDone indicates the job has finished with a JobResult and left the
	// job table.
	JobDone
)

// NOTE: This slice needs to be kept in sync with any changes to the JobState
// values.
var jobStates = []string{
	"waiting",
	"running",
	"done",
}

func (s JobState) String() string {
	if int(s) < 0 || int(s) >= len(jobStates) {
		return fmt.Sprintf("JobState(%d)", int(s))
	}

	return jobStates[s]
}

// JobResult is how a job finished.
type JobResult int

const (
	ResultDone JobResult = iota
	ResultCanceled
	ResultFailed

	// ResultDependency indicates a job the finished job depended on failed.
	ResultDependency

	// ResultSkipped indicates the job did not apply to the unit's state, e.g.
	// reloading an inactive unit.
	ResultSkipped
)

var jobResults = []string{
	"done",
	"canceled",
	"failed",
	"dependency",
	"skipped",
}

func (r JobResult) String() string {
	if int(r) < 0 || int(r) >= len(jobResults) {
		return fmt.Sprintf("JobResult(%d)", int(r))
	}

	return jobResults[r]
}

// Mode controls how a transaction treats jobs that are already queued.
type Mode int

const (
	// ModeFail rejects a transaction that collides with a queued job.
	ModeFail Mode = iota

	// ModeReplace cancels colliding queued jobs.
	ModeReplace

	// ModeReplaceIrreversibly is ModeReplace, and the installed jobs can no
	// longer be replaced by later transactions.
	ModeReplaceIrreversibly

	// ModeIsolate is ModeReplace, and stops every unit not pulled in by the
	// transaction.
	ModeIsolate

	// ModeTriggering is ModeReplace, and stopping a unit also stops the
	// units that trigger it. Follow-up jobs use this mode.
	ModeTriggering

	// ModeIgnoreDependencies queues only the requested job.
	ModeIgnoreDependencies

	// ModeIgnoreRequirements skips requirement dependencies but keeps weak
	// ones and ordering.
	ModeIgnoreRequirements
)

var modeNames = []string{
	"fail",
	"replace",
	"replace-irreversibly",
	"isolate",
	"triggering",
	"ignore-dependencies",
	"ignore-requirements",
}

func (m Mode) String() string {
	if int(m) < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}

	return modeNames[m]
}

// ParseMode parses the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == strings.ToLower(s) {
			return Mode(m), nil
		}
	}

	return 0, fmt.Errorf("unknown job mode %q", s)
}

// ActiveState is the runtime state of a unit.
type ActiveState int

const (
	StateInactive ActiveState = iota
	StateActivating
	StateActive
	StateReloading
	StateDeactivating
	StateFailed
)

var activeStates = []string{
	"inactive",
	"activating",
	"active",
	"reloading",
	"deactivating",
	"failed",
}

func (s ActiveState) String() string {
	if int(s) < 0 || int(s) >= len(activeStates) {
		return fmt.Sprintf("ActiveState(%d)", int(s))
	}

	return activeStates[s]
}

func (s ActiveState) IsActiveOrReloading() bool {
	return s == StateActive || s == StateReloading
}

func (s ActiveState) IsInactiveOrFailed() bool {
	return s == StateInactive || s == StateFailed
}

// LoadState is how much is known about a unit.
type LoadState int

const (
	// LoadStub indicates the unit is only referenced by name.
	LoadStub LoadState = iota

	// LoadLoaded indicates the unit has a definition.
	LoadLoaded

	// LoadMerged indicates the unit was folded into another unit and its
	// names now resolve there.
	LoadMerged
)

var loadStates = []string{
	"stub",
	"loaded",
	"merged",
}

func (s LoadState) String() string {
	if int(s) < 0 || int(s) >= len(loadStates) {
		return fmt.Sprintf("LoadState(%d)", int(s))
	}

	return loadStates[s]
}
