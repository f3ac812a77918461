//go:build !e2e

package jobmanager

import "testing"

func allJobTypes() []JobType {
	types := make([]JobType, 0, jobTypeCount)
	for t := range jobTypeCount {
		types = append(types, t)
	}

	return types
}

func TestMergeJobTypesIsSymmetric(t *testing.T) {
	t.Parallel()

	for _, a := range allJobTypes() {
		for _, b := range allJobTypes() {
			ab, okAB := MergeJobTypes(a, b)
			ba, okBA := MergeJobTypes(b, a)

			if okAB != okBA || ab != ba {
				t.Errorf(
					"expected symmetric merge of %s and %s: got '%s/%t', '%s/%t'",
					a, b, ab, okAB, ba, okBA,
				)
			}

			if Conflicting(a, b) != Conflicting(b, a) {
				t.Errorf("expected symmetric conflict of %s and %s", a, b)
			}
		}
	}
}

func TestMergeJobTypes(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		a, b JobType
		want JobType
		ok   bool
	}{
		"Test start and verify":                {JobStart, JobVerifyActive, JobStart, true},
		"Test start and reload":                {JobStart, JobReload, JobReloadOrStart, true},
		"Test verify and reload":               {JobVerifyActive, JobReload, JobReload, true},
		"Test restart absorbs start":           {JobStart, JobRestart, JobRestart, true},
		"Test restart absorbs reload-or-start": {JobReloadOrStart, JobRestart, JobRestart, true},
		"Test nop merges with stop":            {JobNop, JobStop, JobStop, true},
		"Test stop with stop":                  {JobStop, JobStop, JobStop, true},
		"Test stop conflicts with start":       {JobStop, JobStart, 0, false},
		"Test stop conflicts with restart":     {JobStop, JobRestart, 0, false},
		"Test stop conflicts with reload":      {JobStop, JobReload, 0, false},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			got, ok := MergeJobTypes(config.a, config.b)
			if ok != config.ok || got != config.want {
				t.Errorf(
					"expected merge: got '%s/%t', want '%s/%t'",
					got, ok, config.want, config.ok,
				)
			}
		})
	}
}

func TestIsSuperset(t *testing.T) {
	t.Parallel()

	if !IsSuperset(JobRestart, JobStart) {
		t.Error("expected restart to cover start")
	}

	if IsSuperset(JobStart, JobRestart) {
		t.Error("expected start not to cover restart")
	}

	if !IsSuperset(JobStart, JobNop) {
		t.Error("expected every type to cover nop")
	}
}

func TestCollapse(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		typ   JobType
		state ActiveState
		want  JobType
	}{
		"Test try-restart active":       {JobTryRestart, StateActive, JobRestart},
		"Test try-restart inactive":     {JobTryRestart, StateInactive, JobNop},
		"Test try-reload reloading":     {JobTryReload, StateReloading, JobReload},
		"Test try-reload failed":        {JobTryReload, StateFailed, JobNop},
		"Test reload-or-start active":   {JobReloadOrStart, StateActive, JobReload},
		"Test reload-or-start inactive": {JobReloadOrStart, StateActivating, JobStart},
		"Test start unchanged":          {JobStart, StateActive, JobStart},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			if got := collapse(config.typ, config.state); got != config.want {
				t.Errorf("expected collapsed type: got '%s', want '%s'", got, config.want)
			}
		})
	}
}

func TestRunsBefore(t *testing.T) {
	t.Parallel()

	if ordered, first := runsBefore(JobStart, JobStart); !ordered || !first {
		t.Error("expected start before start")
	}

	if ordered, first := runsBefore(JobStop, JobStop); !ordered || first {
		t.Error("expected stop order to be inverted")
	}

	if ordered, first := runsBefore(JobStart, JobRestart); !ordered || first {
		t.Error("expected restart of the later unit to run first")
	}

	if ordered, _ := runsBefore(JobNop, JobStart); ordered {
		t.Error("expected nop not to be ordered")
	}
}

func TestParseJobType(t *testing.T) {
	t.Parallel()

	for _, typ := range allJobTypes() {
		got, err := ParseJobType(typ.String())
		if err != nil || got != typ {
			t.Errorf("expected to parse %s: got '%s', '%v'", typ, got, err)
		}
	}

	if _, err := ParseJobType("explode"); err == nil {
		t.Error("expected error for unknown job type")
	}
}
