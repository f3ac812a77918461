//go:build !e2e

package jobmanager_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nixpig/unitd/internal/jobmanager"
)

const testTimeout = 5 * time.Second

type edge struct {
	dep jobmanager.Dependency
	to  string
}

func svc(name string, edges ...edge) jobmanager.Definition {
	def := jobmanager.Definition{
		Name:         name,
		Dependencies: make(map[jobmanager.Dependency][]string),
	}

	for _, e := range edges {
		def.Dependencies[e.dep] = append(def.Dependencies[e.dep], e.to)
	}

	return def
}

type fakeRun struct {
	action   jobmanager.Action
	complete func(jobmanager.Completion)
	canceled atomic.Bool
}

func (r *fakeRun) Cancel() {
	r.canceled.Store(true)
}

func (r *fakeRun) succeed() {
	r.complete(jobmanager.Completion{Outcome: jobmanager.OutcomeSuccess})
}

// fakeBackend records every action. In auto mode actions complete on their
// own, failing for the units in fail; otherwise the test completes them.
type fakeBackend struct {
	auto bool

	mu      sync.Mutex
	actions []string
	fail    map[string]bool
	runs    chan *fakeRun
}

func newFakeBackend(auto bool) *fakeBackend {
	return &fakeBackend{
		auto: auto,
		fail: make(map[string]bool),
		runs: make(chan *fakeRun, 64),
	}
}

func (b *fakeBackend) failUnit(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fail[name] = true
}

func (b *fakeBackend) Run(
	a jobmanager.Action,
	complete func(jobmanager.Completion),
) (jobmanager.Handle, error) {
	b.mu.Lock()
	b.actions = append(b.actions, a.Unit+"/"+a.Type.String())
	failing := b.fail[a.Unit]
	b.mu.Unlock()

	r := &fakeRun{action: a, complete: complete}

	if !b.auto {
		b.runs <- r
		return r, nil
	}

	outcome := jobmanager.OutcomeSuccess
	if failing {
		outcome = jobmanager.OutcomeFailure
	}

	go complete(jobmanager.Completion{Outcome: outcome})

	return r, nil
}

func (b *fakeBackend) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.actions...)
}

func (b *fakeBackend) next(t *testing.T) *fakeRun {
	t.Helper()

	select {
	case r := <-b.runs:
		return r
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for backend action")
		return nil
	}
}

func startManager(
	t *testing.T,
	backend jobmanager.Backend,
	opts ...jobmanager.Option,
) *jobmanager.Manager {
	t.Helper()

	m := jobmanager.NewManager(backend, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return m
}

func load(t *testing.T, m *jobmanager.Manager, defs ...jobmanager.Definition) {
	t.Helper()

	if err := m.Load(context.Background(), defs...); err != nil {
		t.Fatalf("expected not to receive error loading units: got '%v'", err)
	}
}

func enqueue(
	t *testing.T,
	m *jobmanager.Manager,
	unit string,
	typ jobmanager.JobType,
	mode jobmanager.Mode,
) jobmanager.JobInfo {
	t.Helper()

	info, err := m.Enqueue(context.Background(), unit, typ, mode)
	if err != nil {
		t.Fatalf("expected not to receive error queueing %s/%s: got '%v'", unit, typ, err)
	}

	return info
}

func snapshot(t *testing.T, m *jobmanager.Manager) jobmanager.Snapshot {
	t.Helper()

	s, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("expected not to receive error taking snapshot: got '%v'", err)
	}

	return s
}

func jobUnits(s jobmanager.Snapshot) []string {
	var units []string
	for _, j := range s.Jobs {
		units = append(units, j.Unit+"/"+j.Type.String())
	}

	return units
}

// waitFor returns the first event matching match.
func waitFor(
	t *testing.T,
	events <-chan jobmanager.Event,
	match func(jobmanager.Event) bool,
) jobmanager.Event {
	t.Helper()

	timeout := time.After(testTimeout)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event channel closed")
			}

			if match(ev) {
				return ev
			}

		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func finished(id jobmanager.JobID) func(jobmanager.Event) bool {
	return func(ev jobmanager.Event) bool {
		return ev.Kind == jobmanager.EventFinished && ev.Job == id
	}
}

func finishedOn(unit string, typ jobmanager.JobType) func(jobmanager.Event) bool {
	return func(ev jobmanager.Event) bool {
		return ev.Kind == jobmanager.EventFinished && ev.Unit == unit && ev.Type == typ
	}
}
