//go:build !e2e

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	api "github.com/nixpig/unitd/api/v1"
	"github.com/nixpig/unitd/internal/jobmanager"
	"github.com/nixpig/unitd/internal/metrics"
	"github.com/nixpig/unitd/internal/process"
)

func setupTestAdminServer(t *testing.T) (*httptest.Server, *jobmanager.Manager) {
	t.Helper()

	backend, err := process.NewBackend("", nil)
	if err != nil {
		t.Fatalf("failed to create backend: '%v'", err)
	}

	collector := metrics.New()
	manager := jobmanager.NewManager(
		backend,
		jobmanager.WithPaused(),
		jobmanager.WithListener(collector.Observe),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		manager.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	if err := manager.Load(ctx, jobmanager.Definition{
		Name:    "web.service",
		Aliases: []string{"www.service"},
	}); err != nil {
		t.Fatalf("failed to load units: '%v'", err)
	}

	admin := newAdminServer(manager, collector, slog.New(slog.DiscardHandler))

	srv := httptest.NewServer(admin.routes())
	t.Cleanup(srv.Close)

	return srv, manager
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("expected not to get error: got '%v'", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("expected not to get error reading body: got '%v'", err)
	}

	return resp.StatusCode, string(body)
}

func TestAdminServer(t *testing.T) {
	t.Parallel()

	srv, manager := setupTestAdminServer(t)

	if _, err := manager.Enqueue(
		context.Background(),
		"web.service",
		jobmanager.JobStart,
		jobmanager.ModeReplace,
	); err != nil {
		t.Fatalf("expected not to get error: got '%v'", err)
	}

	t.Run("Test health", func(t *testing.T) {
		code, body := get(t, srv.URL+"/healthz")
		if code != http.StatusOK || body != "ok" {
			t.Errorf("expected healthy: got '%d', '%s'", code, body)
		}
	})

	t.Run("Test metrics", func(t *testing.T) {
		code, body := get(t, srv.URL+"/metrics")
		if code != http.StatusOK {
			t.Fatalf("expected status: got '%d', want '%d'", code, http.StatusOK)
		}

		want := `unitd_jobs_queued_total{type="start"} 1`
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics to contain '%s'", want)
		}
	})

	t.Run("Test snapshot", func(t *testing.T) {
		code, body := get(t, srv.URL+"/v1/snapshot")
		if code != http.StatusOK {
			t.Fatalf("expected status: got '%d', want '%d'", code, http.StatusOK)
		}

		var snap api.SnapshotResponse
		if err := json.Unmarshal([]byte(body), &snap); err != nil {
			t.Fatalf("expected not to get error decoding: got '%v'", err)
		}

		if !snap.Paused || len(snap.Jobs) != 1 || snap.Jobs[0].Unit != "web.service" {
			t.Errorf("expected paused snapshot with one job: got '%+v'", snap)
		}
	})

	t.Run("Test unit by alias", func(t *testing.T) {
		code, body := get(t, srv.URL+"/v1/units/www.service")
		if code != http.StatusOK {
			t.Fatalf("expected status: got '%d', want '%d'", code, http.StatusOK)
		}

		var u api.Unit
		if err := json.Unmarshal([]byte(body), &u); err != nil {
			t.Fatalf("expected not to get error decoding: got '%v'", err)
		}

		if u.Name != "web.service" || u.ActiveState != "inactive" {
			t.Errorf("expected inactive web.service: got '%+v'", u)
		}
	})

	t.Run("Test unknown unit", func(t *testing.T) {
		if code, _ := get(t, srv.URL+"/v1/units/nope.service"); code != http.StatusNotFound {
			t.Errorf("expected status: got '%d', want '%d'", code, http.StatusNotFound)
		}
	})
}
