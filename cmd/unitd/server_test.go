//go:build !e2e

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	api "github.com/nixpig/unitd/api/v1"
	"github.com/nixpig/unitd/certs"
	"github.com/nixpig/unitd/internal/jobmanager"
	"github.com/nixpig/unitd/internal/metrics"
	"github.com/nixpig/unitd/internal/process"
	"github.com/nixpig/unitd/internal/tlsconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const testTimeout = 10 * time.Second

var testUnits = []jobmanager.Definition{
	{
		Name: "app.service",
		Dependencies: map[jobmanager.Dependency][]string{
			jobmanager.Requires: {"db.service"},
			jobmanager.After:    {"db.service"},
		},
		Exec: jobmanager.ExecConfig{
			Type:  jobmanager.ServiceSimple,
			Start: []string{"sleep", "30"},
		},
	},
	{
		Name: "db.service",
		Exec: jobmanager.ExecConfig{
			Type:            jobmanager.ServiceOneshot,
			Start:           []string{"echo", "db ready"},
			RemainAfterExit: true,
		},
	},
}

type testEnv struct {
	server  *server
	clients map[string]api.UnitServiceClient
	conns   map[string]*grpc.ClientConn
}

func setupTestClientAndServer(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()

	files, err := certs.Generate(
		dir,
		[]string{"localhost", "127.0.0.1"},
		certs.Client{Name: "admin", Role: "admin"},
		certs.Client{Name: "operator", Role: "operator"},
		certs.Client{Name: "viewer", Role: "viewer"},
	)
	if err != nil {
		t.Fatalf("failed to generate certs: '%v'", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to setup listener: '%v'", err)
	}

	logger := slog.New(slog.DiscardHandler)

	backend, err := process.NewBackend("", logger)
	if err != nil {
		t.Fatalf("failed to create backend: '%v'", err)
	}

	collector := metrics.New()
	manager := jobmanager.NewManager(backend, jobmanager.WithListener(collector.Observe))
	backend.SetNotifier(manager)

	ctx, cancel := context.WithCancel(context.Background())
	managerDone := make(chan struct{})

	go func() {
		defer close(managerDone)
		manager.Run(ctx)
	}()

	if err := manager.Load(ctx, testUnits...); err != nil {
		t.Fatalf("failed to load units: '%v'", err)
	}

	s, err := newServer(manager, backend, collector, logger, tlsFiles{
		CertPath:   files.ServerCert,
		KeyPath:    files.ServerKey,
		CACertPath: files.CACert,
	})
	if err != nil {
		t.Fatalf("failed to create server: '%v'", err)
	}

	go func() {
		if err := s.start(listener); err != nil {
			t.Logf("failed to start server: '%v'", err)
		}
	}()

	env := &testEnv{
		server:  s,
		clients: make(map[string]api.UnitServiceClient),
		conns:   make(map[string]*grpc.ClientConn),
	}

	for name, pair := range files.Clients {
		clientTLSConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
			CertPath:   pair[0],
			KeyPath:    pair[1],
			CACertPath: files.CACert,
			ServerName: "localhost",
		})
		if err != nil {
			t.Fatalf("failed to setup client TLS: '%v'", err)
		}

		conn, err := grpc.NewClient(
			listener.Addr().String(),
			grpc.WithTransportCredentials(credentials.NewTLS(clientTLSConfig)),
		)
		if err != nil {
			t.Fatalf("failed to connect: '%v'", err)
		}

		env.conns[name] = conn
		env.clients[name] = api.NewUnitServiceClient(conn)
	}

	t.Cleanup(func() {
		for _, conn := range env.conns {
			conn.Close()
		}

		s.shutdown(context.Background())
		cancel()
		<-managerDone
		backend.Shutdown()
	})

	return env
}

func waitForUnit(
	t *testing.T,
	client api.UnitServiceClient,
	name string,
	activeState string,
) api.Unit {
	t.Helper()

	deadline := time.Now().Add(testTimeout)

	for {
		resp, err := client.Snapshot(context.Background(), &api.SnapshotRequest{})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		for _, u := range resp.Units {
			if u.Name == name && u.ActiveState == activeState && u.Job == 0 {
				return u
			}
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s to be %s", name, activeState)
		}

		time.Sleep(20 * time.Millisecond)
	}
}

func TestUnitServerIntegration(t *testing.T) {
	env := setupTestClientAndServer(t)
	client := env.clients["admin"]

	ctx := context.Background()

	t.Run("Test unit lifecycle", func(t *testing.T) {
		resp, err := client.Enqueue(ctx, &api.EnqueueRequest{
			Unit: "app.service",
			Type: "start",
		})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		if resp.Job.Unit != "app.service" || resp.Job.Type != "start" || !resp.Job.Anchor {
			t.Errorf("expected anchor start job for app.service: got '%+v'", resp.Job)
		}

		waitForUnit(t, client, "db.service", "active")
		waitForUnit(t, client, "app.service", "active")

		if _, err := client.Enqueue(ctx, &api.EnqueueRequest{
			Unit: "app.service",
			Type: "stop",
			Mode: "fail",
		}); err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		waitForUnit(t, client, "app.service", "inactive")
	})

	t.Run("Test stream unit output", func(t *testing.T) {
		stream, err := client.StreamOutput(ctx, &api.StreamOutputRequest{
			Unit: "db.service",
		})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		var output bytes.Buffer

		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}

				t.Fatalf("expected not to get error: got '%v'", err)
			}

			output.Write(resp.Output)
		}

		if got, want := output.String(), "db ready\n"; got != want {
			t.Errorf("expected output: got '%s', want '%s'", got, want)
		}
	})

	t.Run("Test watch events", func(t *testing.T) {
		watchCtx, cancel := context.WithTimeout(ctx, testTimeout)
		defer cancel()

		stream, err := client.Watch(watchCtx, &api.WatchRequest{
			Units: []string{"db.service"},
		})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		if _, err := stream.Header(); err != nil {
			t.Fatalf("expected not to get error waiting for header: got '%v'", err)
		}

		job, err := client.Enqueue(ctx, &api.EnqueueRequest{
			Unit: "db.service",
			Type: "restart",
		})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		var kinds []string

		for len(kinds) == 0 || kinds[len(kinds)-1] != "finished" {
			resp, err := stream.Recv()
			if err != nil {
				t.Fatalf("expected not to get error: got '%v'", err)
			}

			if resp.Event.Unit != "db.service" {
				t.Errorf("expected only db.service events: got '%s'", resp.Event.Unit)
			}

			if resp.Event.Job != job.Job.ID {
				continue
			}

			kinds = append(kinds, resp.Event.Kind)

			if resp.Event.Kind == "finished" && resp.Event.Result != "done" {
				t.Errorf("expected result: got '%s', want '%s'", resp.Event.Result, "done")
			}
		}

		if kinds[0] != "queued" {
			t.Errorf("expected first event: got '%s', want '%s'", kinds[0], "queued")
		}
	})

	t.Run("Test pause and resume", func(t *testing.T) {
		if _, err := client.Pause(ctx, &api.PauseRequest{}); err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		resp, err := client.Enqueue(ctx, &api.EnqueueRequest{
			Unit: "db.service",
			Type: "stop",
		})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		snap, err := client.Snapshot(ctx, &api.SnapshotRequest{})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		if !snap.Paused {
			t.Error("expected manager to be paused")
		}

		if len(snap.Jobs) != 1 || snap.Jobs[0].ID != resp.Job.ID || snap.Jobs[0].State != "waiting" {
			t.Errorf("expected single waiting job: got '%+v'", snap.Jobs)
		}

		if _, err := client.Resume(ctx, &api.ResumeRequest{}); err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		waitForUnit(t, client, "db.service", "inactive")
	})

	t.Run("Test cancel queued job", func(t *testing.T) {
		if _, err := client.Pause(ctx, &api.PauseRequest{}); err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		defer client.Resume(ctx, &api.ResumeRequest{})

		resp, err := client.Enqueue(ctx, &api.EnqueueRequest{
			Unit: "db.service",
			Type: "start",
		})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		if _, err := client.Cancel(ctx, &api.CancelRequest{Job: resp.Job.ID}); err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		snap, err := client.Snapshot(ctx, &api.SnapshotRequest{})
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		if len(snap.Jobs) != 0 {
			t.Errorf("expected no jobs: got '%+v'", snap.Jobs)
		}
	})

	t.Run("Test health check", func(t *testing.T) {
		resp, err := healthpb.NewHealthClient(env.conns["viewer"]).Check(
			ctx,
			&healthpb.HealthCheckRequest{Service: api.ServiceName},
		)
		if err != nil {
			t.Fatalf("expected not to get error: got '%v'", err)
		}

		if resp.Status != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("expected status: got '%s', want '%s'", resp.Status, healthpb.HealthCheckResponse_SERVING)
		}
	})
}

func TestUnitServerErrors(t *testing.T) {
	env := setupTestClientAndServer(t)
	client := env.clients["admin"]

	ctx := context.Background()

	scenarios := map[string]struct {
		call func() error
		code codes.Code
	}{
		"Test enqueue empty unit": {
			call: func() error {
				_, err := client.Enqueue(ctx, &api.EnqueueRequest{Type: "start"})
				return err
			},
			code: codes.InvalidArgument,
		},
		"Test enqueue unknown type": {
			call: func() error {
				_, err := client.Enqueue(ctx, &api.EnqueueRequest{Unit: "app.service", Type: "explode"})
				return err
			},
			code: codes.InvalidArgument,
		},
		"Test enqueue unknown mode": {
			call: func() error {
				_, err := client.Enqueue(ctx, &api.EnqueueRequest{
					Unit: "app.service",
					Type: "start",
					Mode: "eventually",
				})
				return err
			},
			code: codes.InvalidArgument,
		},
		"Test enqueue unknown unit": {
			call: func() error {
				_, err := client.Enqueue(ctx, &api.EnqueueRequest{Unit: "nope.service", Type: "start"})
				return err
			},
			code: codes.NotFound,
		},
		"Test enqueue reload of non-reloadable unit": {
			call: func() error {
				_, err := client.Enqueue(ctx, &api.EnqueueRequest{Unit: "app.service", Type: "reload"})
				return err
			},
			code: codes.FailedPrecondition,
		},
		"Test cancel unknown job": {
			call: func() error {
				_, err := client.Cancel(ctx, &api.CancelRequest{Job: 9999})
				return err
			},
			code: codes.NotFound,
		},
		"Test cancel empty job": {
			call: func() error {
				_, err := client.Cancel(ctx, &api.CancelRequest{})
				return err
			},
			code: codes.InvalidArgument,
		},
		"Test stream output of unit never run": {
			call: func() error {
				stream, err := client.StreamOutput(ctx, &api.StreamOutputRequest{Unit: "app.service"})
				if err != nil {
					return err
				}

				_, err = stream.Recv()
				return err
			},
			code: codes.NotFound,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			err := config.call()
			if got := status.Code(err); got != config.code {
				t.Errorf("expected code: got '%s', want '%s' ('%v')", got, config.code, err)
			}
		})
	}
}

func TestUnitServerAuthorisation(t *testing.T) {
	env := setupTestClientAndServer(t)

	ctx := context.Background()

	scenarios := map[string]struct {
		client string
		call   func(api.UnitServiceClient) error
		code   codes.Code
	}{
		"Test viewer can view": {
			client: "viewer",
			call: func(c api.UnitServiceClient) error {
				_, err := c.Snapshot(ctx, &api.SnapshotRequest{})
				return err
			},
			code: codes.OK,
		},
		"Test viewer cannot enqueue": {
			client: "viewer",
			call: func(c api.UnitServiceClient) error {
				_, err := c.Enqueue(ctx, &api.EnqueueRequest{Unit: "db.service", Type: "start"})
				return err
			},
			code: codes.PermissionDenied,
		},
		"Test viewer cannot cancel": {
			client: "viewer",
			call: func(c api.UnitServiceClient) error {
				_, err := c.Cancel(ctx, &api.CancelRequest{Job: 1})
				return err
			},
			code: codes.PermissionDenied,
		},
		"Test operator cannot pause": {
			client: "operator",
			call: func(c api.UnitServiceClient) error {
				_, err := c.Pause(ctx, &api.PauseRequest{})
				return err
			},
			code: codes.PermissionDenied,
		},
		"Test viewer can watch": {
			client: "viewer",
			call: func(c api.UnitServiceClient) error {
				watchCtx, cancel := context.WithCancel(ctx)
				defer cancel()

				stream, err := c.Watch(watchCtx, &api.WatchRequest{})
				if err != nil {
					return err
				}

				_, err = stream.Header()
				return err
			},
			code: codes.OK,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			err := config.call(env.clients[config.client])
			if got := status.Code(err); got != config.code {
				t.Errorf("expected code: got '%s', want '%s' ('%v')", got, config.code, err)
			}
		})
	}
}

func TestUnitServerShutdownEndsStreams(t *testing.T) {
	env := setupTestClientAndServer(t)
	client := env.clients["admin"]

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if _, err := client.Enqueue(ctx, &api.EnqueueRequest{
		Unit: "app.service",
		Type: "start",
	}); err != nil {
		t.Fatalf("expected not to get error: got '%v'", err)
	}

	waitForUnit(t, client, "app.service", "active")

	watch, err := client.Watch(ctx, &api.WatchRequest{})
	if err != nil {
		t.Fatalf("expected not to get error: got '%v'", err)
	}

	if _, err := watch.Header(); err != nil {
		t.Fatalf("expected not to get error waiting for header: got '%v'", err)
	}

	// app.service is still running, so its output stream stays open.
	logs, err := client.StreamOutput(ctx, &api.StreamOutputRequest{Unit: "app.service"})
	if err != nil {
		t.Fatalf("expected not to get error: got '%v'", err)
	}

	stopped := make(chan struct{})
	go func() {
		env.server.shutdown(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(grpcShutdownTimeout / 2):
		t.Fatal("expected shutdown not to wait for open streams")
	}

	for name, recv := range map[string]func() error{
		"watch": func() error {
			for {
				if _, err := watch.Recv(); err != nil {
					return err
				}
			}
		},
		"output": func() error {
			for {
				if _, err := logs.Recv(); err != nil {
					return err
				}
			}
		},
	} {
		if code := status.Code(recv()); code != codes.Unavailable {
			t.Errorf("expected %s stream to end unavailable: got '%s'", name, code)
		}
	}
}
