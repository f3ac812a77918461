//go:build !e2e

package process_test

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/unitd/internal/process"
)

func newTestProcess(t *testing.T, argv []string, opts process.Options) *process.Process {
	t.Helper()

	invocation := uuid.NewString()

	p, err := process.New("test.service", invocation, argv, opts)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if p.Invocation() != invocation {
		t.Errorf("expected invocation: got '%s', want '%s'", p.Invocation(), invocation)
	}

	return p
}

func runTestProcess(t *testing.T, argv ...string) *process.Process {
	t.Helper()

	p := newTestProcess(t, argv, process.Options{})

	if err := p.Start(); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return p
}

func waitDone(t *testing.T, p *process.Process) {
	t.Helper()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process to exit")
	}
}

func testStatus(t *testing.T, got *process.Status, want process.Status) {
	t.Helper()

	if got.ExitCode != want.ExitCode {
		t.Errorf("expected exit code: got '%d', want '%d'", got.ExitCode, want.ExitCode)
	}

	if got.State != want.State {
		t.Errorf("expected state: got '%s', want '%s'", got.State, want.State)
	}

	if got.Interrupted != want.Interrupted {
		t.Errorf("expected interrupted: got '%t', want '%t'", got.Interrupted, want.Interrupted)
	}
}

func TestProcess(t *testing.T) {
	t.Parallel()

	t.Run("Test initial state", func(t *testing.T) {
		t.Parallel()

		p := newTestProcess(t, []string{"echo", "Hello, world!"}, process.Options{})

		testStatus(t, p.Status(), process.Status{
			ExitCode: -1,
			State:    process.StateCreated,
		})

		if p.Unit() != "test.service" || p.Program() != "echo" {
			t.Errorf("expected unit and program: got '%s', '%s'", p.Unit(), p.Program())
		}
	})

	t.Run("Test run to completion", func(t *testing.T) {
		t.Parallel()

		p := runTestProcess(t, "echo", "Hello, world!")
		waitDone(t, p)

		testStatus(t, p.Status(), process.Status{
			ExitCode: 0,
			State:    process.StateExited,
		})
	})

	t.Run("Test non-zero exit", func(t *testing.T) {
		t.Parallel()

		p := runTestProcess(t, "false")
		waitDone(t, p)

		testStatus(t, p.Status(), process.Status{
			ExitCode: 1,
			State:    process.StateExited,
		})
	})

	t.Run("Test stop long-running program", func(t *testing.T) {
		t.Parallel()

		p := runTestProcess(t, "sleep", "30")

		testStatus(t, p.Status(), process.Status{
			ExitCode: -1,
			State:    process.StateRunning,
		})

		if err := p.Stop(); err != nil {
			t.Fatalf("expected not to receive error stopping: got '%v'", err)
		}

		waitDone(t, p)

		testStatus(t, p.Status(), process.Status{
			ExitCode:    -1,
			State:       process.StateExited,
			Interrupted: true,
		})
	})

	t.Run("Test invalid state transitions", func(t *testing.T) {
		t.Parallel()

		p := newTestProcess(t, []string{"true"}, process.Options{})

		var stateErr process.InvalidStateError

		if err := p.Stop(); !errors.As(err, &stateErr) {
			t.Errorf("expected invalid state error stopping a created process: got '%v'", err)
		}

		if err := p.Start(); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if err := p.Start(); !errors.As(err, &stateErr) {
			t.Errorf("expected invalid state error starting twice: got '%v'", err)
		}

		waitDone(t, p)
	})

	t.Run("Test missing program", func(t *testing.T) {
		t.Parallel()

		p := newTestProcess(t, []string{"/nonexistent/program"}, process.Options{})

		if err := p.Start(); err == nil {
			t.Error("expected error starting a missing program")
		}

		if p.State() != process.StateFailed {
			t.Errorf("expected failed state: got '%s'", p.State())
		}
	})

	t.Run("Test empty command", func(t *testing.T) {
		t.Parallel()

		if _, err := process.New("test.service", "", nil, process.Options{}); !errors.Is(err, process.ErrNoCommand) {
			t.Errorf("expected no command error: got '%v'", err)
		}
	})

	t.Run("Test environment and working directory", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()

		p := newTestProcess(t, []string{"sh", "-c", "echo $GREETING; pwd"}, process.Options{
			Environment:      map[string]string{"GREETING": "hello"},
			WorkingDirectory: dir,
		})

		if err := p.Start(); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		out := p.StreamOutput()
		defer out.Close()

		got, err := io.ReadAll(out)
		if err != nil {
			t.Fatalf("expected not to receive error reading output: got '%v'", err)
		}

		if want := "hello\n" + dir + "\n"; string(got) != want {
			t.Errorf("expected output: got '%s', want '%s'", got, want)
		}
	})

	t.Run("Test stream combined output", func(t *testing.T) {
		t.Parallel()

		p := runTestProcess(t, "sh", "-c", "echo out; echo err 1>&2")

		out := p.StreamOutput()
		defer out.Close()

		got, err := io.ReadAll(out)
		if err != nil {
			t.Fatalf("expected not to receive error reading output: got '%v'", err)
		}

		if !strings.Contains(string(got), "out\n") || !strings.Contains(string(got), "err\n") {
			t.Errorf("expected stdout and stderr in output: got '%s'", got)
		}
	})
}
