package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"time"

	api "github.com/nixpig/unitd/api/v1"
	"github.com/nixpig/unitd/internal/auth"
	"github.com/nixpig/unitd/internal/jobmanager"
	"github.com/nixpig/unitd/internal/metrics"
	"github.com/nixpig/unitd/internal/process"
	"github.com/nixpig/unitd/internal/tlsconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const (
	// streamBufferSize is the buffer size for reading unit output.
	streamBufferSize = 4096

	grpcShutdownTimeout = 10 * time.Second
)

// outputSource is the part of the process backend the server streams
// from.
type outputSource interface {
	StreamOutput(unit string) (io.ReadCloser, error)
}

type server struct {
	api.UnimplementedUnitServiceServer

	manager *jobmanager.Manager
	output  outputSource
	metrics *metrics.Collector
	logger  *slog.Logger
	tls     tlsFiles

	grpcServer *grpc.Server
	health     *health.Server

	// streams is cancelled on shutdown to end open Watch and StreamOutput
	// calls, which would otherwise hold GracefulStop.
	streams       context.Context
	cancelStreams context.CancelFunc
}

func newServer(
	manager *jobmanager.Manager,
	output outputSource,
	collector *metrics.Collector,
	logger *slog.Logger,
	tls tlsFiles,
) (*server, error) {
	s := &server{
		manager: manager,
		output:  output,
		metrics: collector,
		logger:  logger,
		tls:     tls,
	}

	s.streams, s.cancelStreams = context.WithCancel(context.Background())

	creds, err := s.loadCreds()
	if err != nil {
		return nil, fmt.Errorf("load TLS credentials: %w", err)
	}

	s.grpcServer = grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(
			contextCheckUnaryInterceptor,
			s.authUnaryInterceptor,
			s.loggingUnaryInterceptor,
		),
		grpc.ChainStreamInterceptor(
			contextCheckStreamInterceptor,
			s.authStreamInterceptor,
		),
	)

	api.RegisterUnitServiceServer(s.grpcServer, s)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(api.ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(s.grpcServer)

	return s, nil
}

func (s *server) start(listener net.Listener) error {
	s.logger.Info("grpc server listening", "addr", listener.Addr().String(), "insecure", s.tls.Insecure)

	if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server: %w", err)
	}

	return nil
}

// shutdown ends open streams and stops the server gracefully. Unary calls
// still running when ctx expires are cut off.
func (s *server) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, grpcShutdownTimeout)
	defer cancel()

	s.health.Shutdown()
	s.cancelStreams()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("grpc graceful shutdown timed out", "err", ctx.Err())
		s.grpcServer.Stop()
		<-stopped
	}
}

// streamContext returns a context for a streaming call that is also done
// once the server shuts down.
func (s *server) streamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.streams, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *server) streamDone(ctx context.Context) error {
	if s.streams.Err() != nil {
		return status.Error(codes.Unavailable, "server shutting down")
	}

	return status.FromContextError(ctx.Err()).Err()
}

func (s *server) Enqueue(
	ctx context.Context,
	req *api.EnqueueRequest,
) (*api.EnqueueResponse, error) {
	if req.Unit == "" {
		return nil, status.Error(codes.InvalidArgument, "unit is empty")
	}

	typ, err := jobmanager.ParseJobType(req.Type)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	mode := jobmanager.ModeReplace
	if req.Mode != "" {
		if mode, err = jobmanager.ParseMode(req.Mode); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	info, err := s.manager.Enqueue(ctx, req.Unit, typ, mode)
	if err != nil {
		if s.metrics != nil && !errors.Is(err, jobmanager.ErrManagerStopped) {
			s.metrics.ObserveRejection(err)
		}

		return nil, s.mapError("enqueue", err)
	}

	return &api.EnqueueResponse{Job: toAPIJob(info)}, nil
}

func (s *server) Cancel(
	ctx context.Context,
	req *api.CancelRequest,
) (*api.CancelResponse, error) {
	if req.Job == 0 {
		return nil, status.Error(codes.InvalidArgument, "job is empty")
	}

	if err := s.manager.Cancel(ctx, jobmanager.JobID(req.Job)); err != nil {
		return nil, s.mapError("cancel", err)
	}

	return &api.CancelResponse{}, nil
}

func (s *server) Snapshot(
	ctx context.Context,
	req *api.SnapshotRequest,
) (*api.SnapshotResponse, error) {
	snap, err := s.manager.Snapshot(ctx)
	if err != nil {
		return nil, s.mapError("snapshot", err)
	}

	return toAPISnapshot(snap), nil
}

func (s *server) Pause(
	ctx context.Context,
	req *api.PauseRequest,
) (*api.PauseResponse, error) {
	if err := s.manager.Pause(ctx); err != nil {
		return nil, s.mapError("pause", err)
	}

	return &api.PauseResponse{}, nil
}

func (s *server) Resume(
	ctx context.Context,
	req *api.ResumeRequest,
) (*api.ResumeResponse, error) {
	if err := s.manager.Resume(ctx); err != nil {
		return nil, s.mapError("resume", err)
	}

	return &api.ResumeResponse{}, nil
}

func (s *server) Watch(
	req *api.WatchRequest,
	stream grpc.ServerStreamingServer[api.WatchResponse],
) error {
	events, unsubscribe := s.manager.Subscribe()
	defer unsubscribe()

	// Headers tell the client the subscription is in place.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return status.Error(codes.Unavailable, "failed to send header")
	}

	ctx, cancel := s.streamContext(stream.Context())
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return s.streamDone(ctx)

		case ev, ok := <-events:
			if !ok {
				return status.Error(codes.Unavailable, "manager stopped")
			}

			if len(req.Units) > 0 && !slices.Contains(req.Units, ev.Unit) {
				continue
			}

			if err := stream.Send(&api.WatchResponse{Event: toAPIEvent(ev)}); err != nil {
				s.logger.Warn("send event to client", "err", err)
				return status.Error(codes.DataLoss, "failed to send event")
			}
		}
	}
}

func (s *server) StreamOutput(
	req *api.StreamOutputRequest,
	stream grpc.ServerStreamingServer[api.StreamOutputResponse],
) error {
	if req.Unit == "" {
		return status.Error(codes.InvalidArgument, "unit is empty")
	}

	outputReader, err := s.output.StreamOutput(req.Unit)
	if err != nil {
		return s.mapError("output stream", err)
	}

	ctx, cancel := s.streamContext(stream.Context())
	defer cancel()

	// Closing the reader unblocks a Read waiting for output once the client
	// goes away or the server shuts down.
	stop := context.AfterFunc(ctx, func() {
		outputReader.Close()
	})

	defer func() {
		if stop() {
			if err := outputReader.Close(); err != nil {
				s.logger.Warn("close output reader", "unit", req.Unit, "err", err)
			}
		}
	}()

	buf := make([]byte, streamBufferSize)
	for {
		n, err := outputReader.Read(buf)
		if n > 0 {
			if err := stream.Send(&api.StreamOutputResponse{
				Output: buf[:n],
			}); err != nil {
				s.logger.Warn("stream data to client", "unit", req.Unit, "err", err)
				return status.Error(codes.DataLoss, "failed to stream data")
			}
		}

		if err != nil {
			if err == io.EOF {
				break
			}

			return s.mapError("read unit output stream", err)
		}
	}

	if ctx.Err() != nil {
		return s.streamDone(ctx)
	}

	return nil
}

// mapError translates jobmanager and backend errors to gRPC errors.
func (s *server) mapError(logMsg string, err error) error {
	var code codes.Code

	switch {
	case errors.Is(err, jobmanager.ErrUnitUnknown),
		errors.Is(err, jobmanager.ErrJobNotFound),
		errors.Is(err, process.ErrNoOutput):
		code = codes.NotFound

	case errors.Is(err, jobmanager.ErrUnfixableDeadlock),
		errors.Is(err, jobmanager.ErrUnmergeableConflict),
		errors.Is(err, jobmanager.ErrBusy):
		code = codes.Aborted

	case errors.Is(err, jobmanager.ErrJobTypeNotApplicable):
		code = codes.FailedPrecondition

	case errors.Is(err, jobmanager.ErrTooManyJobs):
		code = codes.ResourceExhausted

	case errors.Is(err, jobmanager.ErrInvalidName):
		code = codes.InvalidArgument

	case errors.Is(err, jobmanager.ErrManagerStopped):
		code = codes.Unavailable

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()

	default:
		s.logger.Error(logMsg, "err", err)
		return status.Error(codes.Internal, "internal server error")
	}

	s.logger.Warn(logMsg, "err", err)

	return status.Error(code, err.Error())
}

// loadCreds creates the gRPC transport credentials with mTLS enabled.
func (s *server) loadCreds() (credentials.TransportCredentials, error) {
	if s.tls.Insecure {
		return insecure.NewCredentials(), nil
	}

	tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
		CertPath:   s.tls.CertPath,
		KeyPath:    s.tls.KeyPath,
		CACertPath: s.tls.CACertPath,
		Server:     true,
	})
	if err != nil {
		return nil, err
	}

	return credentials.NewTLS(tlsConfig), nil
}

func (s *server) authorise(ctx context.Context, method string) error {
	if s.tls.Insecure {
		return nil
	}

	cn, err := auth.Authorise(ctx, method)
	if err != nil {
		s.logger.Warn("failed to authorise client", "cn", cn, "method", method, "err", err)

		if cn == "" {
			return status.Error(codes.Unauthenticated, "not authenticated")
		}

		return status.Error(codes.PermissionDenied, "not authorised")
	}

	s.logger.Debug("authorised client request", "cn", cn, "method", method)

	return nil
}

func (s *server) authUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if err := s.authorise(ctx, info.FullMethod); err != nil {
		return nil, err
	}

	return handler(ctx, req)
}

func (s *server) authStreamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if err := s.authorise(ss.Context(), info.FullMethod); err != nil {
		return err
	}

	return handler(srv, ss)
}

func (s *server) loggingUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()

	resp, err := handler(ctx, req)

	s.logger.Debug(
		"grpc request",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(start),
	)

	return resp, err
}

// contextCheckUnaryInterceptor rejects requests with a cancelled context.
func contextCheckUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return handler(ctx, req)
}

func contextCheckStreamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if err := ss.Context().Err(); err != nil {
		return status.FromContextError(err).Err()
	}

	return handler(srv, ss)
}

func toAPIJob(j jobmanager.JobInfo) api.Job {
	job := api.Job{
		ID:           uint32(j.ID),
		Unit:         j.Unit,
		Type:         j.Type.String(),
		State:        j.State.String(),
		Anchor:       j.Anchor,
		Irreversible: j.Irreversible,
		Transaction:  j.Transaction,
	}

	for _, id := range j.WaitingOn {
		job.WaitingOn = append(job.WaitingOn, uint32(id))
	}

	return job
}

func toAPISnapshot(snap jobmanager.Snapshot) *api.SnapshotResponse {
	resp := &api.SnapshotResponse{Paused: snap.Paused}

	for _, u := range snap.Units {
		resp.Units = append(resp.Units, api.Unit{
			Name:        u.Name,
			Aliases:     u.Aliases,
			Description: u.Description,
			Kind:        string(u.Kind),
			LoadState:   u.LoadState.String(),
			ActiveState: u.ActiveState.String(),
			Job:         uint32(u.Job),
		})
	}

	for _, j := range snap.Jobs {
		resp.Jobs = append(resp.Jobs, toAPIJob(j))
	}

	return resp
}

func toAPIEvent(ev jobmanager.Event) api.Event {
	out := api.Event{
		Kind:        ev.Kind.String(),
		Job:         uint32(ev.Job),
		Unit:        ev.Unit,
		Type:        ev.Type.String(),
		Transaction: ev.Transaction,
		Time:        ev.Time,
		Duration:    ev.Duration,
	}

	if ev.Kind == jobmanager.EventFinished {
		out.Result = ev.Result.String()
	}

	return out
}
