// Package server exposes the coordinator over gRPC and the operator HTTP
// endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	fleetv1 "github.com/ChuLiYu/trainfleet/api/fleet/v1"
	"github.com/ChuLiYu/trainfleet/internal/aggregator"
	"github.com/ChuLiYu/trainfleet/internal/coordinator"
	"github.com/ChuLiYu/trainfleet/internal/metrics"
	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// Server implements fleetv1.CoordinatorServer on top of a Coordinator.
type Server struct {
	coord *coordinator.Coordinator
	log   *slog.Logger
}

// NewServer creates a new gRPC service instance.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{coord: coord, log: logger.With("component", "rpc")}
}

// Register registers (or re-registers) a worker. An empty address is
// replaced by the peer IP of the connection.
func (s *Server) Register(ctx context.Context, req *fleetv1.RegisterRequest) (*fleetv1.RegisterResponse, error) {
	address := req.Address
	if address == "" {
		address = peerHost(ctx)
	}
	if address == "" {
		return nil, status.Error(codes.InvalidArgument, "worker address unknown")
	}

	id, err := s.coord.Register(address, req.Hostname, req.Capabilities)
	if err != nil {
		return nil, fleetv1.ToStatus(err)
	}
	return &fleetv1.RegisterResponse{
		WorkerId:            id,
		HeartbeatIntervalMs: s.coord.HeartbeatInterval().Milliseconds(),
	}, nil
}

// Heartbeat updates the liveness of a worker.
func (s *Server) Heartbeat(ctx context.Context, req *fleetv1.HeartbeatRequest) (*fleetv1.HeartbeatResponse, error) {
	if err := s.coord.Heartbeat(req.WorkerId, req.Status); err != nil {
		return nil, fleetv1.ToStatus(err)
	}
	return &fleetv1.HeartbeatResponse{Acknowledged: true}, nil
}

// RequestJob hands the head of the queue to the worker. An empty queue is
// a response without a job, not an error.
func (s *Server) RequestJob(ctx context.Context, req *fleetv1.RequestJobRequest) (*fleetv1.RequestJobResponse, error) {
	spec, attempt, err := s.coord.RequestJob(req.WorkerId)
	switch {
	case err == nil:
		return &fleetv1.RequestJobResponse{Job: fleetv1.JobSpecFromTypes(spec), Attempt: int32(attempt)}, nil
	case errors.Is(err, types.ErrNoJobsAvailable):
		return &fleetv1.RequestJobResponse{}, nil
	default:
		return nil, fleetv1.ToStatus(err)
	}
}

// ReportResult records the outcome of the worker's current assignment.
func (s *Server) ReportResult(ctx context.Context, req *fleetv1.ReportResultRequest) (*fleetv1.ReportResultResponse, error) {
	payload := types.ResultPayload{
		Metrics:     req.Metrics,
		ArtifactRef: req.ArtifactRef,
		Error:       req.Error,
	}
	if err := s.coord.ReportResult(req.WorkerId, types.JobID(req.JobId), req.Success, payload); err != nil {
		return nil, fleetv1.ToStatus(err)
	}
	return &fleetv1.ReportResultResponse{Recorded: true}, nil
}

// Status returns workers and queue counters.
func (s *Server) Status(ctx context.Context, req *fleetv1.StatusRequest) (*fleetv1.StatusResponse, error) {
	return fleetv1.StatusFromSummary(s.coord.Status()), nil
}

// EnqueueJob adds one job. A job without an id gets a generated one.
func (s *Server) EnqueueJob(ctx context.Context, req *fleetv1.EnqueueJobRequest) (*fleetv1.EnqueueJobResponse, error) {
	if req.Job == nil {
		return nil, status.Error(codes.InvalidArgument, "missing job")
	}
	spec := req.Job.ToTypes()
	if spec.ID == "" {
		spec.ID = types.JobID("job-" + uuid.NewString())
	}
	if err := s.coord.EnqueueJob(spec); err != nil {
		return nil, fleetv1.ToStatus(err)
	}
	return &fleetv1.EnqueueJobResponse{JobId: string(spec.ID)}, nil
}

// ListResults returns finished attempts matching the filter.
func (s *Server) ListResults(ctx context.Context, req *fleetv1.ListResultsRequest) (*fleetv1.ListResultsResponse, error) {
	recs := s.coord.ListResults(aggregator.Filter{JobID: types.JobID(req.JobId), Success: req.Success})
	out := &fleetv1.ListResultsResponse{Records: make([]*fleetv1.Result, 0, len(recs))}
	for _, r := range recs {
		out.Records = append(out.Records, fleetv1.ResultFromRecord(r))
	}
	return out, nil
}

// ============================================================================
// gRPC server wrapper
// ============================================================================

// GRPCServer owns the listener and the grpc.Server.
type GRPCServer struct {
	server   *grpc.Server
	listener net.Listener
	health   *health.Server
	log      *slog.Logger
	stopOnce sync.Once
}

// NewGRPCServer listens on address and registers the Coordinator and health
// services. collector may be nil.
func NewGRPCServer(address string, svc *Server, collector *metrics.Collector) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return NewGRPCServerWithListener(lis, svc, collector), nil
}

// NewGRPCServerWithListener is NewGRPCServer over an existing listener.
func NewGRPCServerWithListener(lis net.Listener, svc *Server, collector *metrics.Collector) *GRPCServer {
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryInterceptor(svc.log, collector)))
	fleetv1.RegisterCoordinatorServer(srv, svc)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(fleetv1.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &GRPCServer{server: srv, listener: lis, health: hs, log: svc.log}
}

// Addr returns the bound address.
func (g *GRPCServer) Addr() net.Addr { return g.listener.Addr() }

// Serve blocks until Stop is called.
func (g *GRPCServer) Serve() error {
	g.log.Info("gRPC server listening", "addr", g.listener.Addr().String())
	if err := g.server.Serve(g.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls for at most timeout, then closes connections.
func (g *GRPCServer) Stop(timeout time.Duration) {
	g.stopOnce.Do(func() {
		g.health.Shutdown()
		done := make(chan struct{})
		go func() {
			g.server.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			g.server.Stop()
		}
	})
}

// UnaryInterceptor logs each call and records its duration by method and
// status code.
func UnaryInterceptor(logger *slog.Logger, collector *metrics.Collector) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		method := path.Base(info.FullMethod)
		code := status.Code(err)
		if collector != nil {
			collector.ObserveRPC(method, code.String(), elapsed.Seconds())
		}

		switch code {
		case codes.OK:
			logger.Debug("rpc", "method", method, "duration", elapsed)
		case codes.Internal, codes.Unknown:
			logger.Error("rpc failed", "method", method, "code", code.String(), "duration", elapsed, "error", err)
		default:
			logger.Info("rpc rejected", "method", method, "code", code.String(), "error", status.Convert(err).Message())
		}
		return resp, err
	}
}

func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
