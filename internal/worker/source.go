// ============================================================================
// trainfleet Coordinator Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: The agent's view of the coordinator API.
//
// Motivation:
//   The agent state machine only needs the four worker-facing calls. Keeping
//   them behind an interface decouples it from gRPC, so tests can drive it
//   with an in-memory coordinator and the demo can run everything in-process.
//
// Error contract:
//   Implementations return the sentinel errors of pkg/types:
//   - types.ErrUnknownWorker      → agent re-registers
//   - types.ErrNoJobsAvailable    → agent waits poll_interval
//   - types.ErrWorkerBusy         → agent re-registers to dissolve the stale assignment
//   - types.ErrInvalidAssignment  → logged and ignored
//   - types.ErrUnreachable        → agent enters autonomous mode
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// RegisterParams identifies the agent to the coordinator.
type RegisterParams struct {
	// Address is the advertised worker address. Empty lets the coordinator
	// use the connection's peer IP.
	Address      string
	Hostname     string
	Capabilities map[string]string
}

// Registration is the coordinator's answer to Register.
type Registration struct {
	WorkerID          string
	HeartbeatInterval time.Duration
}

// Assignment is a job handed to this agent.
type Assignment struct {
	Spec    types.JobSpec
	Attempt int
}

// Coordinator defines the calls the agent makes.
type Coordinator interface {
	Register(ctx context.Context, p RegisterParams) (Registration, error)
	Heartbeat(ctx context.Context, workerID, status string) error
	// RequestJob returns types.ErrNoJobsAvailable when the queue is empty.
	RequestJob(ctx context.Context, workerID string) (Assignment, error)
	ReportResult(ctx context.Context, workerID string, jobID types.JobID, res ExecResult) error
}
