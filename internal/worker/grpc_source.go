package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc"

	fleetv1 "github.com/ChuLiYu/trainfleet/api/fleet/v1"
	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// GRPCCoordinator is an implementation of Coordinator that talks to a remote
// coordinator over gRPC. Every call runs with its own timeout through a
// circuit breaker.
type GRPCCoordinator struct {
	client  fleetv1.CoordinatorClient
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// GRPCOptions tunes NewGRPCCoordinator.
type GRPCOptions struct {
	RPCTimeout time.Duration // per-call timeout, default 5s
	Breaker    BreakerConfig
}

// NewGRPCCoordinator creates a GRPCCoordinator.
// conn should be an established gRPC connection.
func NewGRPCCoordinator(conn grpc.ClientConnInterface, opts GRPCOptions) *GRPCCoordinator {
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 5 * time.Second
	}
	return &GRPCCoordinator{
		client:  fleetv1.NewCoordinatorClient(conn),
		breaker: NewBreaker("coordinator", opts.Breaker),
		timeout: opts.RPCTimeout,
	}
}

// call runs fn under the per-call timeout and the breaker, and maps the
// outcome onto pkg/types sentinels.
func (g *GRPCCoordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit %s", types.ErrUnreachable, err)
	}
	return fleetv1.FromStatus(err)
}

// Register registers this agent.
func (g *GRPCCoordinator) Register(ctx context.Context, p RegisterParams) (Registration, error) {
	var resp *fleetv1.RegisterResponse
	err := g.call(ctx, func(ctx context.Context) (err error) {
		resp, err = g.client.Register(ctx, &fleetv1.RegisterRequest{
			Address:      p.Address,
			Hostname:     p.Hostname,
			Capabilities: p.Capabilities,
		})
		return err
	})
	if err != nil {
		return Registration{}, err
	}
	return Registration{
		WorkerID:          resp.WorkerId,
		HeartbeatInterval: time.Duration(resp.HeartbeatIntervalMs) * time.Millisecond,
	}, nil
}

// Heartbeat sends a heartbeat to the coordinator.
func (g *GRPCCoordinator) Heartbeat(ctx context.Context, workerID, status string) error {
	return g.call(ctx, func(ctx context.Context) error {
		_, err := g.client.Heartbeat(ctx, &fleetv1.HeartbeatRequest{WorkerId: workerID, Status: status})
		return err
	})
}

// RequestJob fetches the next job.
func (g *GRPCCoordinator) RequestJob(ctx context.Context, workerID string) (Assignment, error) {
	var resp *fleetv1.RequestJobResponse
	err := g.call(ctx, func(ctx context.Context) (err error) {
		resp, err = g.client.RequestJob(ctx, &fleetv1.RequestJobRequest{WorkerId: workerID})
		return err
	})
	if err != nil {
		return Assignment{}, err
	}
	if resp.Job == nil {
		return Assignment{}, types.ErrNoJobsAvailable
	}
	return Assignment{Spec: resp.Job.ToTypes(), Attempt: int(resp.Attempt)}, nil
}

// ReportResult reports the outcome of the current job.
func (g *GRPCCoordinator) ReportResult(ctx context.Context, workerID string, jobID types.JobID, res ExecResult) error {
	return g.call(ctx, func(ctx context.Context) error {
		_, err := g.client.ReportResult(ctx, &fleetv1.ReportResultRequest{
			WorkerId:    workerID,
			JobId:       string(jobID),
			Success:     res.Success,
			Metrics:     res.Metrics,
			ArtifactRef: res.ArtifactRef,
			Error:       res.Error,
		})
		return err
	})
}
