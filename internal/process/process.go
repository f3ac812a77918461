package process

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync/atomic"

	"github.com/nixpig/unitd/internal/process/cgroups"
	"github.com/nixpig/unitd/internal/process/output"
)

// Process is one command run on behalf of a unit. It manages the lifecycle
// of the exec.Cmd and safe concurrent streaming of its combined
// stdout/stderr.
type Process struct {
	unit        string
	invocation  string
	state       AtomicState
	interrupted atomic.Bool

	cmd            *exec.Cmd
	processState   atomic.Pointer[os.ProcessState]
	outputStreamer *output.Streamer
	pipeWriter     io.WriteCloser
	cgroup         *cgroups.Cgroup

	done chan struct{}
}

// Status is a point-in-time view of a Process.
type Status struct {
	State       State
	ExitCode    int
	Interrupted bool
}

// Options configure the environment of a Process.
type Options struct {
	Environment      map[string]string
	WorkingDirectory string

	// Cgroup, if set, is joined once the process starts and removed once it
	// exits.
	Cgroup *cgroups.Cgroup
}

// New creates a Process running argv for unit. The invocation identifies
// the backend action the process belongs to.
func New(unit, invocation string, argv []string, opts Options) (*Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("%s: %w", unit, ErrNoCommand)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.WorkingDirectory

	if len(opts.Environment) > 0 {
		cmd.Env = os.Environ()

		for _, k := range slices.Sorted(maps.Keys(opts.Environment)) {
			cmd.Env = append(cmd.Env, k+"="+opts.Environment[k])
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create os pipe: %w", err)
	}

	cmd.Stdout = pw
	cmd.Stderr = pw

	p := &Process{
		unit:           unit,
		invocation:     invocation,
		cmd:            cmd,
		outputStreamer: output.NewStreamer(pr),
		pipeWriter:     pw,
		cgroup:         opts.Cgroup,
		done:           make(chan struct{}),
	}

	p.state.Store(StateCreated)

	return p, nil
}

// Start starts the Process. Starting a Process that is not in StateCreated
// returns an InvalidStateError.
func (p *Process) Start() error {
	if !p.state.CompareAndSwap(StateCreated, StateStarting) {
		return NewInvalidStateError(p.state.Load(), StateStarting)
	}

	if err := p.cmd.Start(); err != nil {
		p.state.Store(StateFailed)
		p.pipeWriter.Close()
		p.cleanup()

		return fmt.Errorf("failed to start process: %w", err)
	}

	p.pipeWriter.Close()

	if p.cgroup != nil {
		if err := p.cgroup.Join(p.cmd.Process.Pid); err != nil {
			p.state.Store(StateFailed)
			p.cmd.Process.Kill()

			go p.wait()

			return fmt.Errorf("failed to join cgroup: %w", err)
		}
	}

	p.state.Store(StateRunning)

	go p.wait()

	return nil
}

func (p *Process) wait() {
	p.cmd.Wait()

	if p.state.Load() != StateFailed {
		p.state.Store(StateExited)
	}

	p.processState.Store(p.cmd.ProcessState)

	close(p.done)

	p.cleanup()
}

// Stop kills the Process and, with a cgroup, everything it spawned.
// Stopping a Process that is not in StateRunning returns an
// InvalidStateError.
func (p *Process) Stop() error {
	if !p.state.CompareAndSwap(StateRunning, StateStopping) {
		return NewInvalidStateError(p.state.Load(), StateStopping)
	}

	p.interrupted.Store(true)

	if p.cgroup != nil {
		p.cgroup.Kill()
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	return nil
}

func (p *Process) Unit() string {
	return p.unit
}

func (p *Process) Invocation() string {
	return p.invocation
}

// Program returns the path or name of the program being run.
func (p *Process) Program() string {
	return p.cmd.Args[0]
}

func (p *Process) State() State {
	return p.state.Load()
}

// Interrupted reports whether the Process was stopped rather than exiting
// on its own.
func (p *Process) Interrupted() bool {
	return p.interrupted.Load()
}

// ExitCode returns the exit code of the process or -1 if the process hasn't
// exited or was killed.
func (p *Process) ExitCode() int {
	ps := p.processState.Load()
	if ps == nil {
		return -1
	}

	return ps.ExitCode()
}

// StreamOutput returns an io.ReadCloser of output from the Process.
//
// Read returns all retained output since the Process started and blocks
// waiting for new output.
func (p *Process) StreamOutput() io.ReadCloser {
	return p.outputStreamer.Subscribe()
}

// Done returns a channel that is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Status() *Status {
	return &Status{
		State:       p.state.Load(),
		ExitCode:    p.ExitCode(),
		Interrupted: p.interrupted.Load(),
	}
}

func (p *Process) cleanup() {
	if p.cgroup != nil {
		// Best effort; a populated cgroup is removed with the next one.
		p.cgroup.Destroy()
	}
}
