package jobmanager

import "slices"

// mergeJobs leaves at most one job per unit. Mergeable jobs are folded into
// the earliest one; on a conflict a job the anchor does not require is
// dropped.
func (tr *transaction) mergeJobs() error {
	for {
		restart := false

		for _, u := range tr.units() {
			jobs := tr.unitJobs(u.id)
			if len(jobs) < 2 {
				continue
			}

			t, ok := jobs[0].typ, true
			for _, j := range jobs[1:] {
				if t, ok = MergeJobTypes(t, j.typ); !ok {
					break
				}
			}

			if ok {
				tr.fold(jobs, collapse(t, u.active))
				continue
			}

			var victim *txJob
			for i := len(jobs) - 1; i >= 0; i-- {
				if !jobs[i].matters && !jobs[i].anchor {
					victim = jobs[i]
					break
				}
			}

			if victim == nil {
				return newTransactionError(
					ErrUnmergeableConflict,
					u.name,
					jobs[0].typ,
					"conflicts with %s job in the same transaction",
					jobs[1].typ,
				)
			}

			tr.deleteJob(victim, true)
			restart = true

			break
		}

		if !restart {
			return nil
		}
	}
}

// units returns the units with jobs in the transaction, ordered by their
// first job.
func (tr *transaction) units() []*Unit {
	var units []*Unit

	for _, j := range tr.active() {
		if !slices.Contains(units, j.unit) {
			units = append(units, j.unit)
		}
	}

	return units
}

// fold merges jobs into the first of them, which takes type t and every
// link of the others.
func (tr *transaction) fold(jobs []*txJob, t JobType) {
	keep := jobs[0]
	keep.typ = t

	for _, j := range jobs[1:] {
		for _, l := range j.subjects {
			l.object = keep
			keep.subjects = append(keep.subjects, l)
		}

		for _, l := range j.objects {
			l.subject = keep
			keep.objects = append(keep.objects, l)
		}

		keep.matters = keep.matters || j.matters

		if j.anchor {
			keep.anchor = true
			tr.anchor = keep
		}

		j.subjects, j.objects = nil, nil
		j.deleted = true
	}

	self := func(l *txLink) bool { return l.subject == l.object }
	keep.subjects = slices.DeleteFunc(keep.subjects, self)
	keep.objects = slices.DeleteFunc(keep.objects, self)
}

// checkLive reconciles the transaction with the jobs already queued. Each
// job either merges into the queued job of its unit or replaces it.
func (tr *transaction) checkLive() error {
	for _, j := range tr.active() {
		live := tr.m.liveJob(j.unit)
		if live == nil {
			continue
		}

		if t, ok := MergeJobTypes(live.typ, j.typ); ok {
			t = collapse(t, j.unit.active)

			// A running job can only absorb jobs that do not change what it
			// is doing.
			if live.state == JobWaiting || t == live.typ {
				j.typ = t
				j.live = live
				continue
			}
		}

		if live.irreversible {
			return newTransactionError(
				ErrBusy,
				j.unit.name,
				j.typ,
				"job %d (%s) cannot be replaced",
				live.id,
				live.typ,
			)
		}

		if tr.mode == ModeFail {
			return newTransactionError(
				ErrUnmergeableConflict,
				j.unit.name,
				j.typ,
				"job %d (%s) is already queued",
				live.id,
				live.typ,
			)
		}

		j.replace = live
	}

	if tr.mode != ModeIsolate {
		return nil
	}

	for _, live := range tr.m.sortedJobs() {
		u := tr.m.registry.Unit(live.unit)
		if len(tr.unitJobs(u.id)) > 0 || u.ignoreOnIsolate() {
			continue
		}

		if live.irreversible {
			return newTransactionError(
				ErrBusy,
				u.name,
				live.typ,
				"job %d cannot be canceled by isolate",
				live.id,
			)
		}

		tr.isolateCancels = append(tr.isolateCancels, live)
	}

	return nil
}

// checkLimit rejects the transaction if committing it would exceed the
// manager's job limit.
func (tr *transaction) checkLimit() error {
	if tr.m.maxJobs <= 0 {
		return nil
	}

	total := len(tr.m.jobs) - len(tr.isolateCancels)

	for _, j := range tr.active() {
		switch {
		case j.replace != nil:
		case j.live == nil:
			total++
		}
	}

	if total > tr.m.maxJobs {
		return ErrTooManyJobs
	}

	return nil
}
