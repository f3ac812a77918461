package jobmanager

import (
	"fmt"
	"strings"
)

// JobType is the action a job performs on its unit.
type JobType int

const (
	JobStart JobType = iota
	JobVerifyActive
	JobStop
	JobReload
	JobRestart
	JobTryRestart
	JobTryReload
	JobReloadOrStart
	JobNop

	jobTypeCount
)

// NOTE: Keep in sync with the JobType values above.
var jobTypeNames = []string{
	"start",
	"verify-active",
	"stop",
	"reload",
	"restart",
	"try-restart",
	"try-reload",
	"reload-or-start",
	"nop",
}

func (t JobType) String() string {
	if t < 0 || t >= jobTypeCount {
		return fmt.Sprintf("JobType(%d)", int(t))
	}

	return jobTypeNames[t]
}

// ParseJobType parses the names returned by JobType.String.
func ParseJobType(s string) (JobType, error) {
	for t, name := range jobTypeNames {
		if name == strings.ToLower(s) {
			return JobType(t), nil
		}
	}

	return 0, fmt.Errorf("unknown job type %q", s)
}

type mergeKey struct{ a, b JobType }

// mergeTable lists every pair of distinct job types that may be combined
// into a single job. Lookups are symmetric.
var mergeTable = map[mergeKey]JobType{
	{JobStart, JobVerifyActive}:         JobStart,
	{JobStart, JobReload}:               JobReloadOrStart,
	{JobVerifyActive, JobReload}:        JobReload,
	{JobRestart, JobStart}:              JobRestart,
	{JobRestart, JobVerifyActive}:       JobRestart,
	{JobRestart, JobReload}:             JobRestart,
	{JobReloadOrStart, JobStart}:        JobReloadOrStart,
	{JobReloadOrStart, JobVerifyActive}: JobReloadOrStart,
	{JobReloadOrStart, JobReload}:       JobReloadOrStart,
	{JobReloadOrStart, JobRestart}:      JobRestart,
}

// MergeJobTypes returns the job type that has the combined effect of a and
// b, or false when the two cannot be merged.
func MergeJobTypes(a, b JobType) (JobType, bool) {
	if a == b {
		return a, true
	}

	if a == JobNop {
		return b, true
	}

	if b == JobNop {
		return a, true
	}

	if t, ok := mergeTable[mergeKey{a, b}]; ok {
		return t, true
	}

	if t, ok := mergeTable[mergeKey{b, a}]; ok {
		return t, true
	}

	return 0, false
}

// Conflicting reports whether jobs of type a and b cannot coexist as one.
func Conflicting(a, b JobType) bool {
	_, ok := MergeJobTypes(a, b)
	return !ok
}

// IsSuperset reports whether a job of type a already covers the effect of
// a job of type b.
func IsSuperset(a, b JobType) bool {
	t, ok := MergeJobTypes(a, b)
	return ok && t == a
}

// collapse resolves the conditional job types against the unit's current
// state.
func collapse(t JobType, s ActiveState) JobType {
	switch t {
	case JobTryRestart:
		if s.IsActiveOrReloading() {
			return JobRestart
		}
		return JobNop

	case JobTryReload:
		if s.IsActiveOrReloading() {
			return JobReload
		}
		return JobNop

	case JobReloadOrStart:
		if s.IsActiveOrReloading() {
			return JobReload
		}
		return JobStart

	default:
		return t
	}
}

// isRedundant reports whether running a job of type t would not change a
// unit in state s.
func isRedundant(t JobType, s ActiveState) bool {
	switch t {
	case JobStart, JobVerifyActive:
		return s.IsActiveOrReloading()

	case JobStop:
		return s.IsInactiveOrFailed()

	case JobReload:
		return s == StateReloading

	case JobRestart:
		return s == StateActivating

	case JobNop:
		return true

	default:
		return false
	}
}

// runsBefore reports whether a job of type a on a unit ordered Before
// another unit runs ahead of a job of type b on that other unit. Stopping
// inverts the order. Nop jobs are never ordered.
func runsBefore(a, b JobType) (ordered, first bool) {
	if a == JobNop || b == JobNop {
		return false, false
	}

	if b == JobStop || b == JobRestart {
		return true, false
	}

	return true, true
}
