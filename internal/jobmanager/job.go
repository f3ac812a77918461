package jobmanager

import "time"

// JobID identifies a live job. IDs are assigned on commit and never reused.
type JobID uint32

// Job is a committed action on one unit. Jobs are owned by the Manager and
// only touched from its reactor; callers see JobInfo copies.
type Job struct {
	id    JobID
	unit  UnitID
	typ   JobType
	state JobState

	anchor       bool
	irreversible bool
	transaction  string

	// invocation identifies the current backend run so late completions of
	// a replaced run can be told apart.
	invocation      string
	action          JobType
	handle          Handle
	prior           ActiveState
	cancelRequested bool
	inRunQueue      bool

	// pullers are the live jobs that pulled this job in; pulls are the jobs
	// this one pulled in. needed is set once a puller finished successfully.
	pullers map[JobID]struct{}
	pulls   []JobID
	needed  bool

	queuedAt  time.Time
	startedAt time.Time
}

// Collectable reports whether the job only exists because other jobs pulled
// it in.
func (j *Job) Collectable() bool {
	return !j.anchor
}

// JobInfo is a snapshot of a job.
type JobInfo struct {
	ID           JobID
	Unit         string
	Type         JobType
	State        JobState
	Anchor       bool
	Collectable  bool
	Irreversible bool
	Transaction  string

	// WaitingOn lists the live jobs that must finish before this one can
	// run.
	WaitingOn []JobID
}
