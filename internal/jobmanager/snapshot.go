package jobmanager

import (
	"cmp"
	"context"
	"slices"
)

// UnitInfo is a snapshot of a unit.
type UnitInfo struct {
	Name        string
	Aliases     []string
	Description string
	Kind        UnitKind
	LoadState   LoadState
	ActiveState ActiveState
	Job         JobID
}

// Snapshot is a consistent view of the units and the job table.
type Snapshot struct {
	Units  []UnitInfo
	Jobs   []JobInfo
	Paused bool
}

// Unit returns the snapshot of the unit with the given canonical name.
func (s Snapshot) Unit(name string) (UnitInfo, bool) {
	i, ok := slices.BinarySearchFunc(s.Units, name, func(u UnitInfo, name string) int {
		return cmp.Compare(u.Name, name)
	})
	if !ok {
		return UnitInfo{}, false
	}

	return s.Units[i], true
}

// Job returns the snapshot of the live job id.
func (s Snapshot) Job(id JobID) (JobInfo, bool) {
	i, ok := slices.BinarySearchFunc(s.Jobs, id, func(j JobInfo, id JobID) int {
		return cmp.Compare(j.ID, id)
	})
	if !ok {
		return JobInfo{}, false
	}

	return s.Jobs[i], true
}

// Snapshot returns the units sorted by name and the live jobs sorted by ID.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot

	err := m.do(ctx, func() {
		s = m.snapshot()
	})

	return s, err
}

func (m *Manager) snapshot() Snapshot {
	s := Snapshot{Paused: m.paused}

	for _, u := range m.registry.Units() {
		info := UnitInfo{
			Name:        u.name,
			Aliases:     u.Aliases(),
			Kind:        u.kind,
			LoadState:   u.load,
			ActiveState: u.active,
			Job:         u.job,
		}

		if u.def != nil {
			info.Description = u.def.Description
		}

		s.Units = append(s.Units, info)
	}

	slices.SortFunc(s.Units, func(a, b UnitInfo) int {
		return cmp.Compare(a.Name, b.Name)
	})

	for _, j := range m.sortedJobs() {
		s.Jobs = append(s.Jobs, m.jobInfo(j))
	}

	return s
}

func (m *Manager) jobInfo(j *Job) JobInfo {
	info := JobInfo{
		ID:           j.id,
		Unit:         m.registry.Unit(j.unit).name,
		Type:         j.typ,
		State:        j.state,
		Anchor:       j.anchor,
		Collectable:  j.Collectable(),
		Irreversible: j.irreversible,
		Transaction:  j.transaction,
	}

	if j.state == JobWaiting {
		info.WaitingOn = m.waitingOn(j)
		slices.Sort(info.WaitingOn)
	}

	return info
}
