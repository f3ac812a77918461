package jobmanager

import (
	"slices"
	"time"
)

// commit installs the transaction into the job table. It cannot fail: every
// check has already run in activate.
func (tr *transaction) commit() *Job {
	m := tr.m
	now := time.Now()

	for _, live := range tr.isolateCancels {
		m.logger.Info(
			"canceling job for isolate",
			"tx", tr.id,
			"job", live.id,
			"unit", m.registry.Unit(live.unit).name,
		)

		m.finishJob(live, ResultCanceled, false)
	}

	jobs := tr.active()
	installed := make(map[*txJob]*Job, len(jobs))

	for _, j := range jobs {
		if live := j.live; live != nil {
			if live.typ != j.typ {
				m.logger.Debug(
					"merged job",
					"job", live.id,
					"unit", j.unit.name,
					"from", live.typ,
					"to", j.typ,
				)
			}

			live.typ = j.typ
			live.anchor = live.anchor || j.anchor
			live.irreversible = live.irreversible || tr.mode == ModeReplaceIrreversibly

			installed[j] = live
			m.enqueueRun(live)

			continue
		}

		if j.replace != nil {
			m.logger.Info(
				"replacing job",
				"tx", tr.id,
				"job", j.replace.id,
				"unit", j.unit.name,
				"type", j.replace.typ,
			)

			m.finishJob(j.replace, ResultCanceled, false)
		}

		m.lastJobID++

		job := &Job{
			id:           m.lastJobID,
			unit:         j.unit.id,
			typ:          j.typ,
			state:        JobWaiting,
			anchor:       j.anchor,
			irreversible: tr.mode == ModeReplaceIrreversibly,
			transaction:  tr.id,
			pullers:      make(map[JobID]struct{}),
			queuedAt:     now,
		}

		m.jobs[job.id] = job
		j.unit.job = job.id
		installed[j] = job

		m.emit(EventQueued, job, 0)
		m.enqueueRun(job)
	}

	for _, j := range jobs {
		subject := installed[j]

		for _, l := range j.objects {
			object, ok := installed[l.object]
			if !ok || object == subject {
				continue
			}

			object.pullers[subject.id] = struct{}{}

			if !slices.Contains(subject.pulls, object.id) {
				subject.pulls = append(subject.pulls, object.id)
			}
		}
	}

	m.logger.Info(
		"transaction committed",
		"tx", tr.id,
		"unit", tr.anchor.unit.name,
		"type", tr.anchor.typ,
		"mode", tr.mode,
		"jobs", len(jobs),
	)

	return installed[tr.anchor]
}
