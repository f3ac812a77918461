package jobmanager

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// DefaultMaxJobs is the job limit of a Manager created without WithMaxJobs.
const DefaultMaxJobs = 4096

// Manager owns the registry and the job table. All state is mutated on a
// single reactor goroutine started by Run; the exported methods post
// closures to it and wait for their result.
type Manager struct {
	registry *Registry
	backend  Backend
	logger   *slog.Logger

	jobs      map[JobID]*Job
	lastJobID JobID
	maxJobs   int
	paused    bool

	runQueue     []JobID
	work         []followUp
	collectQueue []JobID

	// orphans are backend runs whose job was finished or replaced before the
	// run completed, keyed by invocation.
	orphans map[string]orphan

	mu      sync.Mutex
	mailbox []func()
	ready   chan struct{}
	done    chan struct{}
	running bool

	listeners   []func(Event)
	broadcaster broadcaster
}

// followUp is a transaction requested by the reactor itself, e.g. on
// failure of a unit.
type followUp struct {
	unit   UnitID
	typ    JobType
	mode   Mode
	reason string
}

type orphan struct {
	unit   UnitID
	action JobType
	prior  ActiveState
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMaxJobs limits the number of live jobs. A limit <= 0 disables it.
func WithMaxJobs(n int) Option {
	return func(m *Manager) {
		m.maxJobs = n
	}
}

// WithListener registers fn to receive every event synchronously on the
// reactor goroutine. fn must not block or call back into the Manager.
func WithListener(fn func(Event)) Option {
	return func(m *Manager) {
		m.listeners = append(m.listeners, fn)
	}
}

// WithPaused creates the Manager with dispatching paused; jobs are queued
// but not run until Resume.
func WithPaused() Option {
	return func(m *Manager) {
		m.paused = true
	}
}

// NewManager creates a Manager acting on units through backend.
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		logger:  slog.New(slog.DiscardHandler),
		jobs:    make(map[JobID]*Job),
		maxJobs: DefaultMaxJobs,
		orphans: make(map[string]orphan),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.registry = NewRegistry(m.logger)

	return m
}

// Run runs the reactor until ctx is done. It must be called exactly once.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("manager already running")
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.broadcaster.close()
		close(m.done)
	}()

	m.logger.Info("manager started", "paused", m.paused, "max_jobs", m.maxJobs)

	for {
		m.settle()

		select {
		case <-ctx.Done():
			m.logger.Info("manager stopped", "jobs", len(m.jobs))
			return nil

		case <-m.ready:
			for _, fn := range m.drain() {
				fn()
				m.settle()
			}
		}
	}
}

// settle brings the reactor to rest: follow-up transactions are built,
// unneeded jobs collected and runnable jobs dispatched.
func (m *Manager) settle() {
	for {
		switch {
		case len(m.work) > 0:
			w := m.work[0]
			m.work = m.work[1:]
			m.runFollowUp(w)

		case len(m.collectQueue) > 0:
			id := m.collectQueue[0]
			m.collectQueue = m.collectQueue[1:]
			m.collect(id)

		default:
			m.dispatch()

			if len(m.work) == 0 && len(m.collectQueue) == 0 {
				return
			}
		}
	}
}

func (m *Manager) runFollowUp(w followUp) {
	u := m.registry.Unit(w.unit)
	if u == nil {
		return
	}

	j, err := m.enqueue(u, w.typ, w.mode)
	if err != nil {
		m.logger.Warn(
			"follow-up job rejected",
			"unit", u.name,
			"type", w.typ,
			"reason", w.reason,
			"err", err,
		)

		return
	}

	m.logger.Info(
		"follow-up job queued",
		"job", j.id,
		"unit", u.name,
		"type", j.typ,
		"reason", w.reason,
	)
}

// post schedules fn on the reactor. It never blocks.
func (m *Manager) post(fn func()) {
	m.mu.Lock()
	m.mailbox = append(m.mailbox, fn)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *Manager) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	fns := m.mailbox
	m.mailbox = nil

	return fns
}

// do runs fn on the reactor and waits for it to return.
func (m *Manager) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})

	m.post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load registers unit definitions. Definitions are applied in order and
// loading stops at the first error.
func (m *Manager) Load(ctx context.Context, defs ...Definition) error {
	var err error

	if doErr := m.do(ctx, func() {
		for _, def := range defs {
			if _, err = m.registry.Load(def); err != nil {
				return
			}

			m.logger.Debug("loaded unit", "unit", def.Name)
		}
	}); doErr != nil {
		return doErr
	}

	return err
}

// AddDependency records the edge unit -d-> other, creating stubs for
// unknown names.
func (m *Manager) AddDependency(
	ctx context.Context,
	unit string,
	d Dependency,
	other string,
	origin Origin,
) error {
	var err error

	if doErr := m.do(ctx, func() {
		var a, b UnitID

		if a, err = m.registry.AddUnit(unit); err != nil {
			return
		}

		if b, err = m.registry.AddUnit(other); err != nil {
			return
		}

		err = m.registry.AddDependency(a, d, b, origin)
	}); doErr != nil {
		return doErr
	}

	return err
}

// RemoveDependencies strips origin from the edges of unit.
func (m *Manager) RemoveDependencies(ctx context.Context, unit string, origin Origin) error {
	var err error

	if doErr := m.do(ctx, func() {
		u, ok := m.registry.Lookup(unit)
		if !ok {
			err = fmt.Errorf("%s: %w", unit, ErrUnitUnknown)
			return
		}

		err = m.registry.RemoveDependencies(u.id, origin)
	}); doErr != nil {
		return doErr
	}

	return err
}

// Merge folds the stub unit other into into.
func (m *Manager) Merge(ctx context.Context, into, other string) error {
	var err error

	if doErr := m.do(ctx, func() {
		u, ok := m.registry.Lookup(into)
		if !ok {
			err = fmt.Errorf("%s: %w", into, ErrUnitUnknown)
			return
		}

		o, ok := m.registry.Lookup(other)
		if !ok {
			err = fmt.Errorf("%s: %w", other, ErrUnitUnknown)
			return
		}

		err = m.registry.Merge(u.id, o.id)
	}); doErr != nil {
		return doErr
	}

	return err
}

// Enqueue builds, checks and commits a transaction for a job of type t on
// unit. It returns the live job that carries out the request, which may be
// a job that was already queued. A rejected transaction leaves the job
// table untouched and returns a *TransactionError or ErrTooManyJobs.
func (m *Manager) Enqueue(
	ctx context.Context,
	unit string,
	t JobType,
	mode Mode,
) (JobInfo, error) {
	var (
		info JobInfo
		err  error
	)

	if doErr := m.do(ctx, func() {
		u, ok := m.registry.Lookup(unit)
		if !ok {
			err = newTransactionError(ErrUnitUnknown, unit, t, "no such unit")
			return
		}

		var j *Job
		if j, err = m.enqueue(u, t, mode); err != nil {
			return
		}

		info = m.jobInfo(j)
	}); doErr != nil {
		return JobInfo{}, doErr
	}

	if err != nil {
		m.logger.Warn(
			"transaction rejected",
			"unit", unit,
			"type", t,
			"mode", mode,
			"err", err,
		)
	}

	return info, err
}

func (m *Manager) enqueue(u *Unit, t JobType, mode Mode) (*Job, error) {
	tr := newTransaction(m, mode)

	if err := tr.build(u, t); err != nil {
		return nil, err
	}

	if err := tr.activate(); err != nil {
		return nil, err
	}

	return tr.commit(), nil
}

// Cancel cancels the live job id. A waiting job finishes as canceled and
// fails the jobs that depend on it; a running job is asked to stop through
// the backend.
func (m *Manager) Cancel(ctx context.Context, id JobID) error {
	var err error

	if doErr := m.do(ctx, func() {
		j, ok := m.jobs[id]
		if !ok {
			err = fmt.Errorf("job %d: %w", id, ErrJobNotFound)
			return
		}

		m.logger.Info("canceling job", "job", id, "state", j.state)

		if j.state == JobWaiting {
			m.finishJob(j, ResultCanceled, true)
			return
		}

		j.cancelRequested = true
		if j.handle != nil {
			j.handle.Cancel()
		}
	}); doErr != nil {
		return doErr
	}

	return err
}

// Pause stops dispatching. Queued jobs stay waiting and running jobs are
// left to complete.
func (m *Manager) Pause(ctx context.Context) error {
	return m.do(ctx, func() {
		m.paused = true
		m.logger.Info("dispatching paused")
	})
}

// Resume restarts dispatching.
func (m *Manager) Resume(ctx context.Context) error {
	return m.do(ctx, func() {
		m.paused = false
		m.logger.Info("dispatching resumed")

		for _, j := range m.sortedJobs() {
			m.enqueueRun(j)
		}
	})
}

// Subscribe returns a channel receiving every event from now on, and a
// function to unsubscribe. Events are dropped for subscribers that fall
// behind. The channel is closed when the Manager stops.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.broadcaster.subscribe()
}

// NotifyExit reports that the main process of unit exited outside of any
// action the Manager requested. It is safe to call from any goroutine.
func (m *Manager) NotifyExit(unit string, success bool) {
	m.post(func() {
		u, ok := m.registry.Lookup(unit)
		if !ok {
			return
		}

		if j := m.liveJob(u); j != nil && j.state == JobRunning {
			return
		}

		if !u.active.IsActiveOrReloading() {
			return
		}

		m.logger.Info("unit exited", "unit", u.name, "success", success)

		if success {
			m.setActiveState(u, StateInactive, true)
		} else {
			m.setActiveState(u, StateFailed, false)
		}
	})
}

func (m *Manager) liveJob(u *Unit) *Job {
	if u.job == 0 {
		return nil
	}

	return m.jobs[u.job]
}

func (m *Manager) sortedJobs() []*Job {
	return slices.SortedFunc(maps.Values(m.jobs), func(a, b *Job) int {
		return cmp.Compare(a.id, b.id)
	})
}

func (m *Manager) emit(kind EventKind, j *Job, result JobResult) {
	now := time.Now()

	ev := Event{
		Kind:        kind,
		Job:         j.id,
		Unit:        m.registry.Unit(j.unit).name,
		Type:        j.typ,
		Result:      result,
		Transaction: j.transaction,
		Time:        now,
	}

	if kind == EventFinished {
		ev.Duration = now.Sub(j.queuedAt)
	}

	for _, fn := range m.listeners {
		fn(ev)
	}

	m.broadcaster.publish(ev)
}
