// Package process is the Backend that carries out jobs by running the
// commands configured for a unit as local processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/nixpig/unitd/internal/jobmanager"
	"github.com/nixpig/unitd/internal/process/cgroups"
)

// DefaultCgroupRoot is the mount point of the unified cgroup hierarchy.
const DefaultCgroupRoot = "/sys/fs/cgroup"

// Notifier is told when the main process of a unit exits without being
// asked to.
type Notifier interface {
	NotifyExit(unit string, success bool)
}

// Backend runs unit commands. A simple service is started once its main
// process is running; a oneshot service once its command has exited
// successfully.
type Backend struct {
	cgroupRoot string
	logger     *slog.Logger

	mu       sync.Mutex
	main     map[string]*Process
	latest   map[string]*Process
	notifier Notifier
}

// NewBackend creates a Backend. With a non-empty cgroupRoot, units with
// resource limits run in their own cgroup below it.
func NewBackend(cgroupRoot string, logger *slog.Logger) (*Backend, error) {
	if cgroupRoot != "" {
		if err := cgroups.ValidateCgroupRoot(cgroupRoot); err != nil {
			return nil, err
		}
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Backend{
		cgroupRoot: cgroupRoot,
		logger:     logger,
		main:       make(map[string]*Process),
		latest:     make(map[string]*Process),
	}, nil
}

// SetNotifier registers n to be told about main process exits.
func (b *Backend) SetNotifier(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.notifier = n
}

type handle struct {
	cancel context.CancelFunc
}

func (h handle) Cancel() {
	h.cancel()
}

// Run starts action a in the background and reports its outcome through
// complete.
func (b *Backend) Run(
	a jobmanager.Action,
	complete func(jobmanager.Completion),
) (jobmanager.Handle, error) {
	var cfg jobmanager.ExecConfig
	if a.Definition != nil {
		cfg = a.Definition.Exec
	}

	base, cancelBase := context.WithCancel(context.Background())
	ctx, cancel := base, cancelBase

	if cfg.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(base, cfg.Timeout)

		cancel = func() {
			cancelTimeout()
			cancelBase()
		}
	}

	go func() {
		defer cancel()
		complete(b.run(ctx, a, cfg))
	}()

	return handle{cancel: cancelBase}, nil
}

func (b *Backend) run(
	ctx context.Context,
	a jobmanager.Action,
	cfg jobmanager.ExecConfig,
) jobmanager.Completion {
	logger := b.logger.With("unit", a.Unit, "action", a.Type, "invocation", a.Invocation)

	switch a.Type {
	case jobmanager.JobStart:
		return b.start(ctx, logger, a, cfg)
	case jobmanager.JobStop:
		return b.stop(ctx, logger, a, cfg)
	case jobmanager.JobReload:
		return b.reload(ctx, logger, a, cfg)
	default:
		return jobmanager.Completion{
			Outcome: jobmanager.OutcomeFailure,
			Err:     fmt.Errorf("unsupported action %s", a.Type),
		}
	}
}

func (b *Backend) start(
	ctx context.Context,
	logger *slog.Logger,
	a jobmanager.Action,
	cfg jobmanager.ExecConfig,
) jobmanager.Completion {
	if len(cfg.Start) == 0 {
		return jobmanager.Completion{Outcome: jobmanager.OutcomeSuccess}
	}

	p, err := b.spawn(a, cfg, cfg.Start, true)
	if err != nil {
		return completion(ctx, err)
	}

	if cfg.Type == jobmanager.ServiceOneshot {
		if err := wait(ctx, p); err != nil {
			return completion(ctx, err)
		}

		logger.Debug("oneshot command finished")

		return jobmanager.Completion{
			Outcome: jobmanager.OutcomeSuccess,
			Exited:  !cfg.RemainAfterExit,
		}
	}

	b.mu.Lock()
	b.main[a.Unit] = p
	b.mu.Unlock()

	go b.watch(logger, a.Unit, p)

	logger.Debug("main process running", "pid", p.cmd.Process.Pid)

	return jobmanager.Completion{Outcome: jobmanager.OutcomeSuccess}
}

// watch reports the exit of a main process nobody asked to stop.
func (b *Backend) watch(logger *slog.Logger, unit string, p *Process) {
	<-p.Done()

	b.mu.Lock()
	if b.main[unit] == p {
		delete(b.main, unit)
	}
	notifier := b.notifier
	b.mu.Unlock()

	if p.Interrupted() {
		return
	}

	logger.Info("main process exited", "exit_code", p.ExitCode())

	if notifier != nil {
		notifier.NotifyExit(unit, p.ExitCode() == 0)
	}
}

func (b *Backend) stop(
	ctx context.Context,
	logger *slog.Logger,
	a jobmanager.Action,
	cfg jobmanager.ExecConfig,
) jobmanager.Completion {
	if len(cfg.Stop) > 0 {
		p, err := b.spawn(a, cfg, cfg.Stop, false)
		if err == nil {
			err = wait(ctx, p)
		}

		if err != nil {
			if ctx.Err() != nil {
				return completion(ctx, err)
			}

			// The main process is killed regardless.
			logger.Warn("stop command failed", "err", err)
		}
	}

	b.mu.Lock()
	main := b.main[a.Unit]
	delete(b.main, a.Unit)
	b.mu.Unlock()

	if main == nil {
		return jobmanager.Completion{Outcome: jobmanager.OutcomeSuccess}
	}

	if err := main.Stop(); err != nil && !errors.As(err, &InvalidStateError{}) {
		return completion(ctx, err)
	}

	select {
	case <-main.Done():
		return jobmanager.Completion{Outcome: jobmanager.OutcomeSuccess}
	case <-ctx.Done():
		return completion(ctx, ctx.Err())
	}
}

func (b *Backend) reload(
	ctx context.Context,
	logger *slog.Logger,
	a jobmanager.Action,
	cfg jobmanager.ExecConfig,
) jobmanager.Completion {
	if len(cfg.Reload) == 0 {
		return jobmanager.Completion{Outcome: jobmanager.OutcomeSuccess}
	}

	p, err := b.spawn(a, cfg, cfg.Reload, false)
	if err == nil {
		err = wait(ctx, p)
	}

	if err != nil {
		return completion(ctx, err)
	}

	logger.Debug("reload command finished")

	return jobmanager.Completion{Outcome: jobmanager.OutcomeSuccess}
}

// spawn creates and starts argv for the unit of a. The process becomes the
// unit's output source. Only a contained process runs in the unit's
// cgroup; stop and reload commands stay outside it, so killing or reaping
// them leaves the main process alone.
func (b *Backend) spawn(
	a jobmanager.Action,
	cfg jobmanager.ExecConfig,
	argv []string,
	contained bool,
) (*Process, error) {
	var cg *cgroups.Cgroup

	limits := cgroups.ResourceLimits(cfg.Limits)
	if contained && b.cgroupRoot != "" && limits.IsSet() {
		var err error

		cg, err = cgroups.CreateCgroup(b.cgroupRoot, a.Unit, &limits)
		if err != nil {
			return nil, err
		}
	}

	p, err := New(a.Unit, a.Invocation, argv, Options{
		Environment:      cfg.Environment,
		WorkingDirectory: cfg.WorkingDirectory,
		Cgroup:           cg,
	})
	if err != nil {
		if cg != nil {
			cg.Destroy()
		}

		return nil, err
	}

	// A failed Start removes the cgroup.
	if err := p.Start(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.latest[a.Unit] = p
	b.mu.Unlock()

	return p, nil
}

// wait waits for p to exit, killing it if ctx is done first.
func wait(ctx context.Context, p *Process) error {
	select {
	case <-p.Done():
		if code := p.ExitCode(); code != 0 {
			return &ExitError{Program: p.Program(), ExitCode: code}
		}

		return nil

	case <-ctx.Done():
		p.Stop()
		<-p.Done()

		return ctx.Err()
	}
}

func completion(ctx context.Context, err error) jobmanager.Completion {
	if errors.Is(ctx.Err(), context.Canceled) {
		return jobmanager.Completion{Outcome: jobmanager.OutcomeCanceled, Err: err}
	}

	return jobmanager.Completion{Outcome: jobmanager.OutcomeFailure, Err: err}
}

// StreamOutput returns the output of the most recent process of unit.
//
// Read returns all retained output and blocks waiting for new output while
// the process runs.
func (b *Backend) StreamOutput(unit string) (io.ReadCloser, error) {
	b.mu.Lock()
	p, ok := b.latest[unit]
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", unit, ErrNoOutput)
	}

	return p.StreamOutput(), nil
}

// MainProcess returns the status of the running main process of unit.
func (b *Backend) MainProcess(unit string) (*Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.main[unit]
	if !ok {
		return nil, false
	}

	return p.Status(), true
}

// Shutdown makes a 'best effort' attempt to stop every running main
// process.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	procs := slices.Collect(maps.Values(b.main))
	clear(b.main)
	b.mu.Unlock()

	var wg sync.WaitGroup

	for _, p := range procs {
		wg.Go(func() {
			if err := p.Stop(); err != nil {
				b.logger.Debug("stop on shutdown", "unit", p.Unit(), "err", err)
				return
			}

			<-p.Done()
		})
	}

	wg.Wait()
}
