package jobmanager

import (
	"time"

	"github.com/google/uuid"
)

func (m *Manager) enqueueRun(j *Job) {
	if j.inRunQueue || j.state != JobWaiting {
		return
	}

	j.inRunQueue = true
	m.runQueue = append(m.runQueue, j.id)
}

// dispatch runs every queued job that is no longer waiting on another.
func (m *Manager) dispatch() {
	if m.paused {
		return
	}

	for len(m.runQueue) > 0 {
		id := m.runQueue[0]
		m.runQueue = m.runQueue[1:]

		j, ok := m.jobs[id]
		if !ok {
			continue
		}

		j.inRunQueue = false

		if j.state != JobWaiting || len(m.waitingOn(j)) > 0 {
			continue
		}

		m.runJob(j)
	}
}

// waitingOn returns the live jobs on units ordered around j's unit that
// must run before j.
func (m *Manager) waitingOn(j *Job) []JobID {
	var ids []JobID

	// j's unit is ordered before these.
	for _, id := range m.registry.Neighbors(j.unit, AtomBefore) {
		o := m.liveJob(m.registry.Unit(id))
		if o == nil || o == j {
			continue
		}

		if ordered, first := runsBefore(j.typ, o.typ); ordered && !first {
			ids = append(ids, o.id)
		}
	}

	// These are ordered before j's unit.
	for _, id := range m.registry.Neighbors(j.unit, AtomAfter) {
		o := m.liveJob(m.registry.Unit(id))
		if o == nil || o == j {
			continue
		}

		if ordered, first := runsBefore(o.typ, j.typ); ordered && first {
			ids = append(ids, o.id)
		}
	}

	return ids
}

func (m *Manager) runJob(j *Job) {
	u := m.registry.Unit(j.unit)
	j.typ = collapse(j.typ, u.active)

	switch j.typ {
	case JobNop:
		m.finishJob(j, ResultDone, true)

	case JobVerifyActive:
		switch {
		case u.active.IsActiveOrReloading():
			m.finishJob(j, ResultDone, true)
		case u.active == StateActivating:
			// Requeued when the unit changes state.
		default:
			m.finishJob(j, ResultDependency, true)
		}

	case JobStart:
		if u.active.IsActiveOrReloading() {
			m.finishJob(j, ResultDone, true)
			return
		}

		m.startAction(j, u, JobStart, StateActivating)

	case JobStop:
		if u.active.IsInactiveOrFailed() {
			m.finishJob(j, ResultDone, true)
			return
		}

		m.startAction(j, u, JobStop, StateDeactivating)

	case JobReload:
		switch {
		case u.active == StateActivating:
			// Requeued when the unit changes state.
		case !u.active.IsActiveOrReloading():
			m.finishJob(j, ResultSkipped, true)
		default:
			m.startAction(j, u, JobReload, StateReloading)
		}

	case JobRestart:
		if u.active.IsInactiveOrFailed() {
			j.typ = JobStart
			m.startAction(j, u, JobStart, StateActivating)
			return
		}

		m.startAction(j, u, JobStop, StateDeactivating)
	}
}

// startAction hands j to the backend. action is what the backend runs,
// which differs from j's type for the stop phase of a restart.
func (m *Manager) startAction(j *Job, u *Unit, action JobType, transitional ActiveState) {
	invocation := uuid.NewString()

	j.state = JobRunning
	j.invocation = invocation
	j.action = action
	j.prior = u.active
	j.startedAt = time.Now()
	j.cancelRequested = false

	m.setActiveState(u, transitional, true)
	m.emit(EventStarted, j, 0)

	m.logger.Info(
		"job started",
		"job", j.id,
		"unit", u.name,
		"type", j.typ,
		"action", action,
		"invocation", invocation,
	)

	id := j.id

	handle, err := m.backend.Run(
		Action{
			Job:        id,
			Invocation: invocation,
			Unit:       u.name,
			Type:       action,
			Definition: u.def,
		},
		func(c Completion) {
			m.post(func() { m.complete(id, invocation, action, c) })
		},
	)
	if err != nil {
		m.complete(id, invocation, action, Completion{Outcome: OutcomeFailure, Err: err})
		return
	}

	if j.state == JobRunning && j.invocation == invocation {
		j.handle = handle
	} else if handle != nil {
		handle.Cancel()
	}
}

// complete handles the backend's report for invocation. Reports for jobs
// that were since finished or replaced only update the unit state.
func (m *Manager) complete(id JobID, invocation string, action JobType, c Completion) {
	j, ok := m.jobs[id]
	if !ok || j.state != JobRunning || j.invocation != invocation {
		m.completeOrphan(invocation, c)
		return
	}

	u := m.registry.Unit(j.unit)
	j.handle = nil
	j.invocation = ""

	if c.Err != nil {
		m.logger.Warn(
			"job action failed",
			"job", j.id,
			"unit", u.name,
			"action", action,
			"outcome", c.Outcome,
			"err", c.Err,
		)
	}

	result := m.applyOutcome(u, action, j.prior, c)

	if j.typ == JobRestart && action == JobStop && result == ResultDone && !j.cancelRequested {
		j.typ = JobStart
		j.state = JobWaiting

		m.enqueueRun(j)

		return
	}

	m.finishJob(j, result, true)
}

func (m *Manager) completeOrphan(invocation string, c Completion) {
	o, ok := m.orphans[invocation]
	if !ok {
		m.logger.Debug("discarding stale completion", "invocation", invocation)
		return
	}

	delete(m.orphans, invocation)

	u := m.registry.Unit(o.unit)
	if m.liveJob(u) != nil {
		m.logger.Debug(
			"discarding completion of replaced job",
			"unit", u.name,
			"invocation", invocation,
		)

		return
	}

	m.applyOutcome(u, o.action, o.prior, c)
}

// applyOutcome moves u to the state the outcome of action leaves it in and
// returns the matching job result.
func (m *Manager) applyOutcome(
	u *Unit,
	action JobType,
	prior ActiveState,
	c Completion,
) JobResult {
	switch c.Outcome {
	case OutcomeSuccess:
		switch action {
		case JobStart:
			if c.Exited {
				m.setActiveState(u, StateInactive, true)
			} else {
				m.setActiveState(u, StateActive, true)
			}

		case JobStop:
			m.setActiveState(u, StateInactive, true)

		case JobReload:
			m.setActiveState(u, StateActive, true)
		}

		return ResultDone

	case OutcomeFailure:
		if action == JobReload {
			m.setActiveState(u, StateActive, true)
		} else {
			m.setActiveState(u, StateFailed, false)
		}

		return ResultFailed

	default:
		m.setActiveState(u, prior, true)
		return ResultCanceled
	}
}

// setActiveState records a new state for u and queues the follow-up jobs
// its dependencies ask for.
func (m *Manager) setActiveState(u *Unit, s ActiveState, success bool) {
	old := u.active
	if old == s {
		return
	}

	u.active = s

	m.logger.Debug("unit state changed", "unit", u.name, "from", old, "to", s)

	if s == StateFailed {
		for _, id := range m.registry.Neighbors(u.id, AtomOnFailure) {
			m.queueFollowUp(id, JobStart, ModeTriggering, "on-failure of "+u.name)
		}
	}

	if s == StateInactive && success && !old.IsInactiveOrFailed() {
		for _, id := range m.registry.Neighbors(u.id, AtomOnSuccess) {
			m.queueFollowUp(id, JobStart, ModeTriggering, "on-success of "+u.name)
		}
	}

	if s.IsInactiveOrFailed() && !old.IsInactiveOrFailed() {
		for _, id := range m.registry.Neighbors(u.id, AtomRetroactiveStopOnStop) {
			o := m.registry.Unit(id)
			if o.active.IsInactiveOrFailed() {
				continue
			}

			if j := m.liveJob(o); j != nil && j.typ == JobStop {
				continue
			}

			m.queueFollowUp(id, JobStop, ModeReplace, "bound to "+u.name)
		}
	}

	if j := m.liveJob(u); j != nil {
		m.enqueueRun(j)
	}

	m.requeueNeighbors(u)
}

func (m *Manager) queueFollowUp(id UnitID, t JobType, mode Mode, reason string) {
	m.work = append(m.work, followUp{unit: id, typ: t, mode: mode, reason: reason})
}

func (m *Manager) requeueNeighbors(u *Unit) {
	for _, id := range m.registry.Neighbors(u.id, AtomBefore|AtomAfter) {
		if j := m.liveJob(m.registry.Unit(id)); j != nil {
			m.enqueueRun(j)
		}
	}
}

// finishJob removes j from the job table with result. With recursive, a
// failed job also fails the jobs that depend on its success.
func (m *Manager) finishJob(j *Job, result JobResult, recursive bool) {
	if j.state == JobDone {
		return
	}

	u := m.registry.Unit(j.unit)

	if j.state == JobRunning && j.invocation != "" {
		m.orphans[j.invocation] = orphan{unit: j.unit, action: j.action, prior: j.prior}

		if j.handle != nil {
			j.handle.Cancel()
			j.handle = nil
		}
	}

	j.state = JobDone
	delete(m.jobs, j.id)

	if u.job == j.id {
		u.job = 0
	}

	m.emit(EventFinished, j, result)

	m.logger.Info(
		"job finished",
		"job", j.id,
		"unit", u.name,
		"type", j.typ,
		"result", result,
		"duration", time.Since(j.queuedAt),
	)

	if recursive && result != ResultDone {
		switch j.typ {
		case JobStart, JobVerifyActive:
			m.failDependents(u, AtomPropagateStartFailure)
		case JobStop:
			m.failDependents(u, AtomPropagateStopFailure)
		}
	}

	for _, id := range j.pulls {
		o, ok := m.jobs[id]
		if !ok {
			continue
		}

		delete(o.pullers, j.id)

		if result == ResultDone {
			o.needed = true
		}

		m.collectQueue = append(m.collectQueue, o.id)
	}

	m.requeueNeighbors(u)
}

// failDependents finishes with ResultDependency the start jobs of units
// related to u by atom.
func (m *Manager) failDependents(u *Unit, atom Atom) {
	for _, id := range m.registry.Neighbors(u.id, atom) {
		j := m.liveJob(m.registry.Unit(id))
		if j == nil {
			continue
		}

		switch j.typ {
		case JobStart, JobVerifyActive, JobRestart, JobReloadOrStart:
			m.finishJob(j, ResultDependency, true)
		}
	}
}

// collect cancels a waiting job once nothing needs it any more.
func (m *Manager) collect(id JobID) {
	j, ok := m.jobs[id]
	if !ok || j.state != JobWaiting || j.anchor || j.needed || len(j.pullers) > 0 {
		return
	}

	m.logger.Info(
		"garbage-collected job",
		"job", j.id,
		"unit", m.registry.Unit(j.unit).name,
		"type", j.typ,
	)

	m.finishJob(j, ResultCanceled, false)
}
