package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nixpig/unitd/internal/jobmanager"
	"github.com/nixpig/unitd/internal/metrics"
)

const adminShutdownTimeout = 10 * time.Second

// adminServer serves metrics, health and a read-only JSON view of the
// manager over plain HTTP.
type adminServer struct {
	manager *jobmanager.Manager
	metrics *metrics.Collector
	logger  *slog.Logger

	server *http.Server
}

func newAdminServer(
	manager *jobmanager.Manager,
	collector *metrics.Collector,
	logger *slog.Logger,
) *adminServer {
	a := &adminServer{manager: manager, metrics: collector, logger: logger}

	a.server = &http.Server{
		Handler:      a.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return a
}

func (a *adminServer) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/healthz", a.healthHandler)
	r.Handle("/metrics", a.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", a.snapshotHandler)
		r.Get("/units/{name}", a.unitHandler)
	})

	return r
}

func (a *adminServer) serve(listener net.Listener) error {
	a.logger.Info("admin server listening", "addr", listener.Addr().String())

	if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}

	return nil
}

func (a *adminServer) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, adminShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server graceful shutdown: %w", err)
	}

	return nil
}

func (a *adminServer) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *adminServer) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := a.manager.Snapshot(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.writeJSON(w, toAPISnapshot(snap))
}

func (a *adminServer) unitHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := a.manager.Snapshot(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	name := chi.URLParam(r, "name")

	for _, u := range toAPISnapshot(snap).Units {
		if u.Name == name || slices.Contains(u.Aliases, name) {
			a.writeJSON(w, u)
			return
		}
	}

	http.Error(w, "unit not found", http.StatusNotFound)
}

func (a *adminServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("write admin response", "err", err)
	}
}

func (a *adminServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, jobmanager.ErrManagerStopped) {
		code = http.StatusServiceUnavailable
	}

	a.logger.Warn(
		"admin request failed",
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"err", err,
	)

	http.Error(w, http.StatusText(code), code)
}
