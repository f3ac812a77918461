package jobmanager

import (
	"slices"

	"github.com/google/uuid"
)

// txJob is a job proposed by a transaction. It becomes a live Job, or is
// merged into one, on commit.
type txJob struct {
	unit    *Unit
	typ     JobType
	seq     int
	anchor  bool
	matters bool
	deleted bool

	// subjects are the links through which other jobs pulled this one in,
	// objects the links to the jobs this one pulled in.
	subjects []*txLink
	objects  []*txLink

	// live is the queued job this one merges into, replace the queued job
	// it cancels.
	live    *Job
	replace *Job
}

type txLink struct {
	subject *txJob
	object  *txJob
	matters bool
}

// pull describes which jobs a job pulls in through the units related by
// atom. Units also related through exclude are skipped.
type pull struct {
	atom    Atom
	exclude Atom
	typ     JobType
	matters bool
}

type transaction struct {
	m      *Manager
	mode   Mode
	id     string
	anchor *txJob
	jobs   []*txJob
	byUnit map[UnitID][]*txJob

	isolateCancels []*Job
}

func newTransaction(m *Manager, mode Mode) *transaction {
	return &transaction{
		m:      m,
		mode:   mode,
		id:     uuid.NewString(),
		byUnit: make(map[UnitID][]*txJob),
	}
}

// build expands the anchor job for u into the closure of jobs implied by
// the dependencies of the units involved.
func (tr *transaction) build(u *Unit, t JobType) error {
	anchor, _, err := tr.addJob(u, t, nil, true)
	if err != nil {
		return err
	}

	anchor.anchor = true
	tr.anchor = anchor

	if tr.mode != ModeIgnoreDependencies {
		if err := tr.expand([]*txJob{anchor}); err != nil {
			return err
		}
	}

	switch tr.mode {
	case ModeIsolate:
		return tr.addIsolateJobs()

	case ModeTriggering:
		if anchor.typ == JobStop {
			return tr.addTriggeringJobs()
		}
	}

	return nil
}

// addJob adds a job of type t for u, pulled in by by. An existing job of
// the same type is reused. It reports whether the job is new.
func (tr *transaction) addJob(
	u *Unit,
	t JobType,
	by *txJob,
	matters bool,
) (*txJob, bool, error) {
	t = collapse(t, u.active)

	if u.load != LoadLoaded {
		return nil, false, newTransactionError(
			ErrUnitUnknown,
			u.name,
			t,
			"unit is not loaded",
		)
	}

	if !u.supports(t) {
		return nil, false, newTransactionError(
			ErrJobTypeNotApplicable,
			u.name,
			t,
			"unit does not support %s",
			t,
		)
	}

	for _, j := range tr.byUnit[u.id] {
		if !j.deleted && j.typ == t {
			tr.link(by, j, matters)
			return j, false, nil
		}
	}

	j := &txJob{unit: u, typ: t, seq: len(tr.jobs)}

	tr.jobs = append(tr.jobs, j)
	tr.byUnit[u.id] = append(tr.byUnit[u.id], j)
	tr.link(by, j, matters)

	return j, true, nil
}

func (tr *transaction) link(subject, object *txJob, matters bool) {
	if subject == nil || subject == object {
		return
	}

	l := &txLink{subject: subject, object: object, matters: matters}

	subject.objects = append(subject.objects, l)
	object.subjects = append(object.subjects, l)
}

func (tr *transaction) pullsFor(j *txJob) []pull {
	var pulls []pull

	requirements := tr.mode != ModeIgnoreRequirements

	switch j.typ {
	case JobStart, JobRestart:
		if requirements {
			pulls = append(pulls,
				pull{atom: AtomPullInStart, typ: JobStart, matters: true},
				pull{atom: AtomPullInVerify, typ: JobVerifyActive, matters: true},
				pull{atom: AtomPullInStop, typ: JobStop, matters: true},
			)
		}

		pulls = append(pulls,
			pull{atom: AtomPullInStartIgnored, typ: JobStart},
			pull{atom: AtomPullInStopIgnored, typ: JobStop},
		)
	}

	switch j.typ {
	case JobRestart:
		pulls = append(pulls,
			pull{atom: AtomPropagateRestart, typ: JobTryRestart, matters: true},
			pull{
				atom:    AtomPropagateStop,
				exclude: AtomPropagateRestart,
				typ:     JobStop,
				matters: true,
			},
		)

	case JobStop:
		pulls = append(pulls,
			pull{atom: AtomPropagateStop, typ: JobStop, matters: true},
		)

	case JobReload:
		pulls = append(pulls,
			pull{atom: AtomPropagatesReloadTo, typ: JobTryReload},
		)
	}

	return pulls
}

// expand performs a breadth-first expansion from queue until no new jobs
// are added.
func (tr *transaction) expand(queue []*txJob) error {
	registry := tr.m.registry

	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]

		if j.deleted {
			continue
		}

		for _, p := range tr.pullsFor(j) {
			var excluded []UnitID
			if p.exclude != 0 {
				excluded = registry.Neighbors(j.unit.id, p.exclude)
			}

			for _, id := range registry.Neighbors(j.unit.id, p.atom) {
				if slices.Contains(excluded, id) {
					continue
				}

				target := registry.Unit(id)

				nj, isNew, err := tr.addJob(target, p.typ, j, p.matters)
				if err != nil {
					if p.matters {
						return err
					}

					tr.m.logger.Debug(
						"ignoring dependency",
						"unit", j.unit.name,
						"dependency", target.name,
						"err", err,
					)

					continue
				}

				if isNew {
					queue = append(queue, nj)
				}
			}
		}
	}

	return nil
}

// addIsolateJobs stops every unit the transaction does not touch.
func (tr *transaction) addIsolateJobs() error {
	var added []*txJob

	for _, u := range tr.m.registry.Units() {
		if u.load != LoadLoaded || u.ignoreOnIsolate() {
			continue
		}

		if len(tr.unitJobs(u.id)) > 0 {
			continue
		}

		if u.active.IsInactiveOrFailed() && u.job == 0 {
			continue
		}

		j, isNew, err := tr.addJob(u, JobStop, tr.anchor, true)
		if err != nil {
			tr.m.logger.Warn("cannot add isolate job", "unit", u.name, "err", err)
			continue
		}

		if isNew {
			added = append(added, j)
		}
	}

	return tr.expand(added)
}

// addTriggeringJobs stops the units that trigger the anchor.
func (tr *transaction) addTriggeringJobs() error {
	var added []*txJob

	for _, id := range tr.m.registry.Neighbors(tr.anchor.unit.id, AtomTriggeredBy) {
		u := tr.m.registry.Unit(id)

		if u.active.IsInactiveOrFailed() && u.job == 0 {
			continue
		}

		j, isNew, err := tr.addJob(u, JobStop, tr.anchor, false)
		if err != nil {
			tr.m.logger.Debug("cannot add triggering job", "unit", u.name, "err", err)
			continue
		}

		if isNew {
			added = append(added, j)
		}
	}

	return tr.expand(added)
}

// active returns the jobs not deleted, in insertion order.
func (tr *transaction) active() []*txJob {
	jobs := make([]*txJob, 0, len(tr.jobs))

	for _, j := range tr.jobs {
		if !j.deleted {
			jobs = append(jobs, j)
		}
	}

	return jobs
}

func (tr *transaction) unitJobs(id UnitID) []*txJob {
	var jobs []*txJob

	for _, j := range tr.byUnit[id] {
		if !j.deleted {
			jobs = append(jobs, j)
		}
	}

	return jobs
}

// markMatters flags the jobs the anchor transitively requires.
func (tr *transaction) markMatters() {
	for _, j := range tr.jobs {
		j.matters = false
	}

	tr.anchor.matters = true
	stack := []*txJob{tr.anchor}

	for len(stack) > 0 {
		j := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, l := range j.objects {
			if l.matters && !l.object.deleted && !l.object.matters {
				l.object.matters = true
				stack = append(stack, l.object)
			}
		}
	}
}

// deleteJob removes j from the transaction. With cascade, the jobs that
// required j are removed as well. The anchor is never removed.
func (tr *transaction) deleteJob(j *txJob, cascade bool) {
	if j.deleted || j == tr.anchor {
		return
	}

	j.deleted = true

	tr.m.logger.Debug(
		"dropping job from transaction",
		"tx", tr.id,
		"unit", j.unit.name,
		"type", j.typ,
	)

	for _, l := range j.objects {
		l.object.subjects = removeLink(l.object.subjects, l)
	}

	j.objects = nil

	subjects := j.subjects
	j.subjects = nil

	for _, l := range subjects {
		l.subject.objects = removeLink(l.subject.objects, l)

		if cascade && l.matters {
			tr.deleteJob(l.subject, true)
		}
	}
}

func removeLink(links []*txLink, l *txLink) []*txLink {
	return slices.DeleteFunc(links, func(o *txLink) bool { return o == l })
}

// minimizeImpact drops optional jobs that would stop an active unit or
// collide with a queued job.
func (tr *transaction) minimizeImpact() {
	for _, j := range tr.jobs {
		if j.deleted || j.matters {
			continue
		}

		stopsActive := j.typ == JobStop && !j.unit.active.IsInactiveOrFailed()

		live := tr.m.liveJob(j.unit)
		collides := live != nil && Conflicting(live.typ, j.typ)

		if stopsActive || collides {
			tr.deleteJob(j, true)
		}
	}
}

// dropRedundant drops the jobs of every unit whose jobs would all leave it
// unchanged. Units carrying the anchor are kept.
func (tr *transaction) dropRedundant() {
	for _, u := range tr.units() {
		jobs := tr.unitJobs(u.id)
		live := tr.m.liveJob(u)

		redundant := true
		for _, j := range jobs {
			if j.anchor ||
				!isRedundant(j.typ, u.active) ||
				(live != nil && Conflicting(live.typ, j.typ)) {
				redundant = false
				break
			}
		}

		if !redundant {
			continue
		}

		for _, j := range jobs {
			tr.deleteJob(j, false)
		}
	}
}

// collectGarbage drops jobs nothing pulls in any more.
func (tr *transaction) collectGarbage() {
	for changed := true; changed; {
		changed = false

		for _, j := range tr.jobs {
			if j.deleted || j.anchor || len(j.subjects) > 0 {
				continue
			}

			tr.deleteJob(j, false)
			changed = true
		}
	}
}

// activate runs every check on the built transaction. On success the
// transaction is ready to commit; on failure it must be discarded.
func (tr *transaction) activate() error {
	tr.markMatters()

	if tr.mode == ModeFail {
		tr.minimizeImpact()
	}

	tr.dropRedundant()

	if err := tr.mergeJobs(); err != nil {
		return err
	}

	// Merging can make an optional job required, and with it everything
	// the merged job pulls in.
	tr.markMatters()

	if err := tr.breakCycles(); err != nil {
		return err
	}

	tr.collectGarbage()
	tr.dropRedundant()

	if err := tr.checkLive(); err != nil {
		return err
	}

	return tr.checkLimit()
}
