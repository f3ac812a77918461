package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/nixpig/unitd/certs"
	"github.com/nixpig/unitd/internal/jobmanager"
	"github.com/nixpig/unitd/internal/metrics"
	"github.com/nixpig/unitd/internal/process"
	"github.com/nixpig/unitd/internal/unitfile"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func rootCmd() *cobra.Command {
	cfg := defaultConfig()

	var configPath string

	c := &cobra.Command{
		Use:          "unitd",
		Short:        "Service manager applying transactional start/stop jobs to units",
		Example:      "unitd --unit-path ./units --target default.target",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := cfg.loadFile(configPath, cmd.Flags()); err != nil {
					return err
				}
			}

			if err := cfg.validate(); err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}

	c.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cfg.bindFlags(c.Flags())

	c.AddCommand(certsCmd())

	return c
}

func certsCmd() *cobra.Command {
	var (
		out   string
		hosts []string
	)

	c := &cobra.Command{
		Use:     "certs",
		Short:   "Generate a CA with server and client certificates for mTLS",
		Example: "unitd certs --out certs --host localhost --host 127.0.0.1",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := certs.Generate(
				out,
				hosts,
				certs.Client{Name: "admin", Role: "admin"},
				certs.Client{Name: "operator", Role: "operator"},
				certs.Client{Name: "viewer", Role: "viewer"},
			)
			if err != nil {
				return err
			}

			cmd.Printf("CA certificate: %s\n", files.CACert)
			cmd.Printf("server certificate: %s\n", files.ServerCert)

			for _, name := range []string{"admin", "operator", "viewer"} {
				cmd.Printf("client %s: %s\n", name, files.Clients[name][0])
			}

			return nil
		},
	}

	c.Flags().StringVar(&out, "out", "certs", "Output directory")
	c.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "Server host name or IP, repeatable")

	return c
}

// run starts the manager, loads units and serves the gRPC and admin APIs
// until ctx is done.
func run(ctx context.Context, cfg *config) (err error) {
	logger, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := logCloser.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close log: %w", cerr)
		}
	}()

	backend, err := process.NewBackend(cfg.CgroupRoot, logger.With("component", "backend"))
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}

	collector := metrics.New()

	manager := jobmanager.NewManager(
		backend,
		jobmanager.WithLogger(logger.With("component", "manager")),
		jobmanager.WithMaxJobs(cfg.MaxJobs),
		jobmanager.WithListener(collector.Observe),
	)
	backend.SetNotifier(manager)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	managerDone := make(chan error, 1)
	go func() {
		managerDone <- manager.Run(ctx)
	}()

	defer func() {
		cancel()
		<-managerDone
		backend.Shutdown()
		logger.Info("unitd stopped")
	}()

	if err := loadUnits(ctx, logger, manager, cfg); err != nil {
		return err
	}

	srv, err := newServer(manager, backend, collector, logger.With("component", "grpc"), cfg.TLS)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var (
		admin         *adminServer
		adminListener net.Listener
	)

	if cfg.AdminListen != "" {
		adminListener, err = net.Listen("tcp", cfg.AdminListen)
		if err != nil {
			listener.Close()
			return fmt.Errorf("admin listen: %w", err)
		}

		admin = newAdminServer(manager, collector, logger.With("component", "admin"))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.start(listener)
	})

	if admin != nil {
		g.Go(func() error {
			return admin.serve(adminListener)
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down")

		shutdownCtx := context.WithoutCancel(gctx)

		srv.shutdown(shutdownCtx)

		if admin != nil {
			return admin.shutdown(shutdownCtx)
		}

		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func loadUnits(
	ctx context.Context,
	logger *slog.Logger,
	manager *jobmanager.Manager,
	cfg *config,
) error {
	defs, err := unitfile.NewLoader(logger.With("component", "unitfile")).Load(cfg.UnitPaths...)
	if err != nil {
		return fmt.Errorf("load unit files: %w", err)
	}

	if err := manager.Load(ctx, defs...); err != nil {
		return fmt.Errorf("load units: %w", err)
	}

	logger.Info("units loaded", "count", len(defs))

	if cfg.Target == "" {
		return nil
	}

	job, err := manager.Enqueue(ctx, cfg.Target, jobmanager.JobStart, jobmanager.ModeReplace)
	if err != nil {
		return fmt.Errorf("start target %s: %w", cfg.Target, err)
	}

	logger.Info("target queued", "unit", cfg.Target, "job", job.ID)

	return nil
}
