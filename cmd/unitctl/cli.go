package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	api "github.com/nixpig/unitd/api/v1"
	"github.com/nixpig/unitd/internal/tlsconfig"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const version = "0.1.0"

type config struct {
	server     string
	serverName string
	insecure   bool
	caCertPath string
	certPath   string
	keyPath    string
}

type cli struct {
	client api.UnitServiceClient
	conn   *grpc.ClientConn
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &config{}

	command := &cobra.Command{
		Use:          "unitctl",
		Short:        "CLI for controlling units and jobs of a unitd server",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Already set when a client is injected.
			if c.client != nil {
				return nil
			}

			creds, err := loadCreds(cfg)
			if err != nil {
				return err
			}

			c.conn, err = grpc.NewClient(cfg.server, grpc.WithTransportCredentials(creds))
			if err != nil {
				return err
			}

			c.client = api.NewUnitServiceClient(c.conn)

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.conn == nil {
				return nil
			}

			// Connection needs to remain open for duration of any child commands.
			return c.conn.Close()
		},
	}

	command.AddCommand(
		c.jobCmd("start", "start", "Start a unit and the units it requires"),
		c.jobCmd("stop", "stop", "Stop a unit and the units bound to it"),
		c.jobCmd("restart", "restart", "Restart a unit"),
		c.jobCmd("try-restart", "try-restart", "Restart a unit if it is active"),
		c.jobCmd("reload", "reload", "Reload the configuration of a unit"),
		c.jobCmd("reload-or-start", "reload-or-start", "Reload a unit if it is active, start it otherwise"),
		c.jobCmd("verify", "verify-active", "Check that a unit is active"),
		c.isolateCmd(),
		c.cancelCmd(),
		c.listCmd(),
		c.jobsCmd(),
		c.pauseCmd(),
		c.resumeCmd(),
		c.watchCmd(),
		c.logsCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&cfg.server,
		"server",
		"localhost:8443",
		"Server address",
	)

	command.PersistentFlags().StringVar(
		&cfg.serverName,
		"server-name",
		"",
		"Name to verify the server certificate against, defaults to the server host",
	)

	command.PersistentFlags().BoolVar(
		&cfg.insecure,
		"insecure",
		false,
		"Connect without TLS",
	)

	command.PersistentFlags().StringVar(
		&cfg.certPath,
		"cert-path",
		"certs/client-operator.crt",
		"Path to client TLS certificate",
	)

	command.PersistentFlags().StringVar(
		&cfg.keyPath,
		"key-path",
		"certs/client-operator.key",
		"Path to client TLS private key",
	)

	command.PersistentFlags().StringVar(
		&cfg.caCertPath,
		"ca-cert-path",
		"certs/ca.crt",
		"Path to CA certificate for mTLS",
	)

	return command
}

func loadCreds(cfg *config) (credentials.TransportCredentials, error) {
	if cfg.insecure {
		return insecure.NewCredentials(), nil
	}

	serverName := cfg.serverName
	if serverName == "" {
		host, _, err := net.SplitHostPort(cfg.server)
		if err != nil {
			return nil, fmt.Errorf("server address: %w", err)
		}

		serverName = host
	}

	tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
		CertPath:   cfg.certPath,
		KeyPath:    cfg.keyPath,
		CACertPath: cfg.caCertPath,
		ServerName: serverName,
	})
	if err != nil {
		return nil, err
	}

	return credentials.NewTLS(tlsConfig), nil
}

// jobCmd queues a job of type typ for a unit.
func (c *cli) jobCmd(use, typ, short string) *cobra.Command {
	var (
		mode string
		wait bool
	)

	command := &cobra.Command{
		Use:     use + " [flags] UNIT",
		Short:   short,
		Example: "  unitctl " + use + " web.service",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.enqueue(cmd, args[0], typ, mode, wait)
		},
	}

	command.Flags().StringVar(
		&mode,
		"mode",
		"replace",
		"Job mode: fail, replace, replace-irreversibly, ignore-dependencies or ignore-requirements",
	)

	command.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish")

	return command
}

func (c *cli) isolateCmd() *cobra.Command {
	var wait bool

	command := &cobra.Command{
		Use:     "isolate [flags] UNIT",
		Short:   "Start a unit and stop every unit it does not pull in",
		Example: "  unitctl isolate rescue.target",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.enqueue(cmd, args[0], "start", "isolate", wait)
		},
	}

	command.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish")

	return command
}

func (c *cli) enqueue(cmd *cobra.Command, unit, typ, mode string, wait bool) error {
	ctx := cmd.Context()

	var events grpc.ServerStreamingClient[api.WatchResponse]

	// The subscription has to exist before the job is queued so no event
	// is missed.
	if wait {
		var err error

		events, err = c.client.Watch(ctx, &api.WatchRequest{})
		if err != nil {
			return mapError(err)
		}

		if _, err := events.Header(); err != nil {
			return mapError(err)
		}
	}

	resp, err := c.client.Enqueue(ctx, &api.EnqueueRequest{
		Unit: unit,
		Type: typ,
		Mode: mode,
	})
	if err != nil {
		return mapError(err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d\n", resp.Job.ID)

	if !wait {
		return nil
	}

	for {
		ev, err := events.Recv()
		if err != nil {
			return mapError(err)
		}

		if ev.Event.Job != resp.Job.ID || ev.Event.Kind != "finished" {
			continue
		}

		if ev.Event.Result != "done" {
			return fmt.Errorf("job %d %s %s: %s", resp.Job.ID, resp.Job.Unit, resp.Job.Type, ev.Event.Result)
		}

		return nil
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "cancel [flags] JOB_ID",
		Short:   "Cancel a queued or running job",
		Example: "  unitctl cancel 42",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			if _, err := c.client.Cancel(
				cmd.Context(),
				&api.CancelRequest{Job: uint32(id)},
			); err != nil {
				return mapError(err)
			}

			return nil
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List units",
		Example: "  unitctl list",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.Snapshot(cmd.Context(), &api.SnapshotRequest{})
			if err != nil {
				return mapError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "UNIT\tLOAD\tACTIVE\tJOB\tDESCRIPTION\t\n")

			for _, u := range resp.Units {
				fmt.Fprintf(
					w,
					"%s\t%s\t%s\t%s\t%s\t\n",
					u.Name,
					u.LoadState,
					u.ActiveState,
					jobID(u.Job),
					u.Description,
				)
			}

			return w.Flush()
		},
	}
}

func (c *cli) jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "jobs",
		Short:   "List queued and running jobs",
		Example: "  unitctl jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.Snapshot(cmd.Context(), &api.SnapshotRequest{})
			if err != nil {
				return mapError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "JOB\tUNIT\tTYPE\tSTATE\tWAITING ON\t\n")

			for _, j := range resp.Jobs {
				waiting := make([]string, 0, len(j.WaitingOn))
				for _, id := range j.WaitingOn {
					waiting = append(waiting, strconv.FormatUint(uint64(id), 10))
				}

				fmt.Fprintf(
					w,
					"%d\t%s\t%s\t%s\t%s\t\n",
					j.ID,
					j.Unit,
					j.Type,
					j.State,
					strings.Join(waiting, ","),
				)
			}

			if err := w.Flush(); err != nil {
				return err
			}

			if resp.Paused {
				fmt.Fprintln(cmd.OutOrStdout(), "dispatching is paused")
			}

			return nil
		},
	}
}

func (c *cli) pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop dispatching queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.client.Pause(cmd.Context(), &api.PauseRequest{}); err != nil {
				return mapError(err)
			}

			return nil
		},
	}
}

func (c *cli) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatching queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.client.Resume(cmd.Context(), &api.ResumeRequest{}); err != nil {
				return mapError(err)
			}

			return nil
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "watch [flags] [UNIT...]",
		Short:   "Print job events as they happen",
		Example: "  unitctl watch web.service db.service",
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := c.client.Watch(cmd.Context(), &api.WatchRequest{Units: args})
			if err != nil {
				return mapError(err)
			}

			for {
				resp, err := stream.Recv()
				if err != nil {
					if err == io.EOF || status.Code(err) == codes.Canceled {
						return nil
					}

					return mapError(err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(resp.Event))
			}
		},
	}
}

func (c *cli) logsCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "logs [flags] UNIT",
		Short:   "Stream output of the latest process of a unit",
		Example: "  unitctl logs web.service",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := c.client.StreamOutput(
				cmd.Context(),
				&api.StreamOutputRequest{Unit: args[0]},
			)
			if err != nil {
				return mapError(err)
			}

			for {
				resp, err := stream.Recv()
				if err != nil {
					if err == io.EOF {
						break
					}

					if status.Code(err) == codes.Canceled {
						break
					}

					return mapError(err)
				}

				cmd.OutOrStdout().Write(resp.Output)
			}

			return nil
		},
	}

	return command
}

func formatEvent(ev api.Event) string {
	line := fmt.Sprintf(
		"%s job %d %s %s %s",
		ev.Time.Format(time.RFC3339),
		ev.Job,
		ev.Unit,
		ev.Type,
		ev.Kind,
	)

	if ev.Result != "" {
		line += fmt.Sprintf(" result=%s after %s", ev.Result, ev.Duration.Round(time.Millisecond))
	}

	return line
}

func jobID(id uint32) string {
	if id == 0 {
		return "-"
	}

	return strconv.FormatUint(uint64(id), 10)
}

// mapError translates gRPC errors to human-readable messages.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("not found: %s", st.Message())
	case codes.PermissionDenied:
		return errors.New("permission denied")
	case codes.Unauthenticated:
		return errors.New("not authenticated")
	case codes.Aborted:
		return fmt.Errorf("transaction rejected: %s", st.Message())
	case codes.ResourceExhausted:
		return errors.New("too many jobs queued")
	case codes.Unavailable:
		return errors.New("server unavailable")
	default:
		return fmt.Errorf("%s", st.Message())
	}
}
