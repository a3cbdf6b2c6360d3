// ============================================================================
// trainfleet Worker Agent - Per-Machine State Machine
// ============================================================================
//
// Package: internal/worker
// File: agent.go
// Function: Discovers the coordinator, registers, and loops over
//           request → execute → report while a heartbeat goroutine keeps the
//           registration alive.
//
// State machine:
//
//   discovering ──► registering ──► idle ──► executing ──► reporting ──┐
//                        ▲           ▲                                 │
//                        │           └─────────────────────────────────┘
//                        │
//                        └──── autonomous ◄── any state on ErrUnreachable
//
//   - discovering: UDP discovery, falling back to the configured address.
//     No coordinator and no fallback ends Run with ErrNoCoordinatorAddress.
//   - registering: exponential backoff (1s doubling to 60s). After
//     RegisterAttempts consecutive unreachable failures → autonomous.
//   - idle: RequestJob; an empty queue waits PollInterval.
//   - executing: Executor.Execute on the main goroutine. Heartbeats continue.
//   - reporting: exactly one ReportResult attempt, never retried.
//   - autonomous: runs DefaultJob, appends the result to the local record
//     log, and retries registration every AutonomousInterval.
//
//   UnknownWorker from a heartbeat, RequestJob or ReportResult → registering.
//   A rejected heartbeat interrupts an idle wait at once; during a job the
//   agent re-registers right after the result has been reported.
//
// Concurrency:
//   Main loop goroutine + heartbeat goroutine. The heartbeat goroutine is
//   started after a successful Register and cancelled whenever the agent
//   leaves the registered states.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/trainfleet/internal/metrics"
	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// State is the agent's current state.
type State string

const (
	StateDiscovering State = "discovering"
	StateRegistering State = "registering"
	StateIdle        State = "idle"
	StateExecuting   State = "executing"
	StateReporting   State = "reporting"
	StateAutonomous  State = "autonomous"
)

// AllStates lists every State, in lifecycle order.
var AllStates = []State{StateDiscovering, StateRegistering, StateIdle, StateExecuting, StateReporting, StateAutonomous}

// StateNames returns AllStates as strings.
func StateNames() []string {
	out := make([]string, len(AllStates))
	for i, s := range AllStates {
		out[i] = string(s)
	}
	return out
}

// ErrNoCoordinatorAddress ends Run when discovery fails and no fallback
// address was configured.
var ErrNoCoordinatorAddress = errors.New("agent: no coordinator address (discovery failed and none configured)")

// DiscoverFunc locates the coordinator's API address.
type DiscoverFunc func(ctx context.Context) (string, error)

// DialFunc connects to the coordinator at addr. The returned close func is
// called when Run exits.
type DialFunc func(addr string) (Coordinator, func() error, error)

// ResultSink stores results produced while running autonomously.
// *recordlog.Log satisfies it.
type ResultSink interface {
	Append(rec types.CompletedJobRecord) error
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	// CoordinatorAddr is used when Discover is nil or fails.
	CoordinatorAddr string
	Discover        DiscoverFunc
	Dial            DialFunc

	Address      string
	Hostname     string
	Capabilities map[string]string

	HeartbeatInterval      time.Duration // 0 = use the coordinator's advertised interval
	PollInterval           time.Duration
	RegisterBackoffInitial time.Duration
	RegisterBackoffMax     time.Duration
	RegisterAttempts       int // 0 = retry forever
	AutonomousInterval     time.Duration

	DefaultJob map[string]interface{} // nil = autonomous mode only waits
	LocalLog   ResultSink             // may be nil

	Executor Executor
	Logger   *slog.Logger
	Metrics  *metrics.AgentCollector
}

func (c *AgentConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.RegisterBackoffInitial <= 0 {
		c.RegisterBackoffInitial = time.Second
	}
	if c.RegisterBackoffMax <= 0 {
		c.RegisterBackoffMax = 60 * time.Second
	}
	if c.AutonomousInterval <= 0 {
		c.AutonomousInterval = 5 * time.Minute
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewAgentCollector(prometheus.NewRegistry(), StateNames())
	}
}

// Agent is the worker-side daemon.
type Agent struct {
	cfg   AgentConfig
	log   *slog.Logger
	coord Coordinator

	mu       sync.RWMutex
	state    State
	workerID string

	hbCancel context.CancelFunc
	hbWg     sync.WaitGroup
	hbLost   chan struct{} // the coordinator no longer knows this worker

	// current job (executing/reporting)
	job      Assignment
	result   ExecResult
	execErr  error
	started  time.Time
	backoff  Backoff
	failures int // consecutive unreachable register failures
}

// NewAgent validates cfg and creates an Agent.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Dial == nil {
		return nil, errors.New("agent: Dial is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("agent: Executor is required")
	}
	cfg.setDefaults()
	return &Agent{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "agent"),
		state:   StateDiscovering,
		hbLost:  make(chan struct{}, 1),
		backoff: Backoff{Initial: cfg.RegisterBackoffInitial, Max: cfg.RegisterBackoffMax},
	}, nil
}

// State returns the current state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// WorkerID returns the id assigned at the last successful Register.
func (a *Agent) WorkerID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.workerID
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()

	a.cfg.Metrics.SetState(string(s))
	if prev != s {
		a.log.Debug("State transition", "from", prev, "to", s)
	}
}

// Run drives the state machine until ctx is cancelled. It returns nil on
// cancellation and ErrNoCoordinatorAddress if the coordinator cannot be
// located.
func (a *Agent) Run(ctx context.Context) error {
	a.setState(StateDiscovering)
	addr, err := a.locate(ctx)
	if err != nil {
		return err
	}

	coord, closeFn, err := a.cfg.Dial(addr)
	if err != nil {
		return fmt.Errorf("agent: dial %s: %w", addr, err)
	}
	if closeFn != nil {
		defer closeFn()
	}
	a.coord = coord
	defer a.stopHeartbeat()

	a.log.Info("Agent starting", "coordinator", addr, "hostname", a.cfg.Hostname)
	a.setState(StateRegistering)

	for ctx.Err() == nil {
		var next State
		switch a.State() {
		case StateRegistering:
			next = a.register(ctx)
		case StateIdle:
			next = a.requestJob(ctx)
		case StateExecuting:
			next = a.execute(ctx)
		case StateReporting:
			next = a.report(ctx)
		case StateAutonomous:
			next = a.autonomous(ctx)
		default:
			next = StateRegistering
		}
		a.setState(next)
	}
	a.log.Info("Agent stopped")
	return nil
}

// locate runs discovery, falling back to the configured address.
func (a *Agent) locate(ctx context.Context) (string, error) {
	if a.cfg.Discover != nil {
		addr, err := a.cfg.Discover(ctx)
		if err == nil && addr != "" {
			a.log.Info("Coordinator discovered", "addr", addr)
			return addr, nil
		}
		a.log.Warn("Discovery failed", "error", err, "fallback", a.cfg.CoordinatorAddr)
	}
	if a.cfg.CoordinatorAddr == "" {
		return "", ErrNoCoordinatorAddress
	}
	return a.cfg.CoordinatorAddr, nil
}

// ============================================================================
// States
// ============================================================================

func (a *Agent) register(ctx context.Context) State {
	a.stopHeartbeat()
	a.clearHeartbeatLost()

	reg, err := a.coord.Register(ctx, RegisterParams{
		Address:      a.cfg.Address,
		Hostname:     a.cfg.Hostname,
		Capabilities: a.cfg.Capabilities,
	})
	if err == nil {
		a.onRegistered(ctx, reg)
		return StateIdle
	}
	if ctx.Err() != nil {
		return StateRegistering
	}

	if errors.Is(err, types.ErrUnreachable) {
		a.failures++
		if a.cfg.RegisterAttempts > 0 && a.failures >= a.cfg.RegisterAttempts {
			a.log.Warn("Coordinator unreachable, going autonomous", "attempts", a.failures, "error", err)
			return StateAutonomous
		}
	}
	delay := a.backoff.Next()
	a.log.Warn("Register failed, retrying", "error", err, "retry_in", delay)
	sleep(ctx, delay)
	return StateRegistering
}

func (a *Agent) onRegistered(ctx context.Context, reg Registration) {
	a.mu.Lock()
	a.workerID = reg.WorkerID
	a.mu.Unlock()
	a.failures = 0
	a.backoff.Reset()

	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = reg.HeartbeatInterval
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	a.startHeartbeat(ctx, reg.WorkerID, interval)
	a.log.Info("Registered", "worker", reg.WorkerID, "heartbeat_interval", interval)
}

func (a *Agent) requestJob(ctx context.Context) State {
	if a.heartbeatLost() {
		a.log.Warn("Heartbeat rejected, re-registering")
		return StateRegistering
	}
	job, err := a.coord.RequestJob(ctx, a.WorkerID())
	switch {
	case err == nil:
		a.job = job
		a.log.Info("Job received", "job", job.Spec.ID, "attempt", job.Attempt)
		return StateExecuting
	case errors.Is(err, types.ErrNoJobsAvailable):
		if a.waitIdle(ctx, a.cfg.PollInterval) {
			a.log.Warn("Heartbeat rejected while idle, re-registering")
			return StateRegistering
		}
		return StateIdle
	case errors.Is(err, types.ErrUnknownWorker), errors.Is(err, types.ErrWorkerBusy):
		a.log.Warn("Coordinator does not recognise this assignment state, re-registering", "error", err)
		return StateRegistering
	case errors.Is(err, types.ErrUnreachable):
		a.log.Warn("Coordinator unreachable", "error", err)
		return StateAutonomous
	case ctx.Err() != nil:
		return StateIdle
	default:
		a.log.Error("RequestJob failed", "error", err)
		sleep(ctx, a.cfg.PollInterval)
		return StateIdle
	}
}

func (a *Agent) execute(ctx context.Context) State {
	a.started = time.Now()
	a.result, a.execErr = a.cfg.Executor.Execute(ctx, a.job.Spec.Config)
	if a.execErr != nil {
		a.result.Success = false
		if a.result.Error == "" {
			a.result.Error = a.execErr.Error()
		}
		a.cfg.Metrics.RecordExecution("failure")
		a.log.Warn("Job failed", "job", a.job.Spec.ID, "duration", time.Since(a.started), "error", a.execErr)
	} else {
		a.result.Success = true
		a.cfg.Metrics.RecordExecution("success")
		a.log.Info("Job finished", "job", a.job.Spec.ID, "duration", time.Since(a.started))
	}
	if ctx.Err() != nil {
		// shutting down mid-job: nothing to report
		return StateExecuting
	}
	return StateReporting
}

func (a *Agent) report(ctx context.Context) State {
	jobID := a.job.Spec.ID
	err := a.coord.ReportResult(ctx, a.WorkerID(), jobID, a.result)
	switch {
	case err == nil:
		return StateIdle
	case errors.Is(err, types.ErrInvalidAssignment):
		a.log.Warn("Result rejected, assignment no longer valid", "job", jobID, "error", err)
		return StateIdle
	case errors.Is(err, types.ErrUnknownWorker):
		a.log.Warn("Result rejected, worker unknown", "job", jobID)
		return StateRegistering
	case errors.Is(err, types.ErrUnreachable):
		a.keepLocally(jobID, a.job.Attempt, a.result, time.Since(a.started))
		a.log.Warn("Coordinator unreachable while reporting, result kept locally", "job", jobID, "error", err)
		return StateAutonomous
	default:
		a.log.Error("ReportResult failed", "job", jobID, "error", err)
		return StateIdle
	}
}

// autonomous runs the default job and re-attempts registration every
// AutonomousInterval until it succeeds.
func (a *Agent) autonomous(ctx context.Context) State {
	a.stopHeartbeat()
	a.clearHeartbeatLost()
	nextAttempt := time.Now().Add(a.cfg.AutonomousInterval)

	if a.cfg.DefaultJob != nil {
		a.runDefaultJob(ctx)
	}
	if ctx.Err() != nil {
		return StateAutonomous
	}
	sleep(ctx, time.Until(nextAttempt))
	if ctx.Err() != nil {
		return StateAutonomous
	}

	reg, err := a.coord.Register(ctx, RegisterParams{
		Address:      a.cfg.Address,
		Hostname:     a.cfg.Hostname,
		Capabilities: a.cfg.Capabilities,
	})
	if err != nil {
		a.log.Info("Still autonomous", "error", err)
		return StateAutonomous
	}
	a.log.Info("Coordinator reachable again, leaving autonomous mode")
	a.onRegistered(ctx, reg)
	return StateIdle
}

func (a *Agent) runDefaultJob(ctx context.Context) {
	id := types.JobID("local-" + uuid.NewString())
	start := time.Now()
	a.log.Info("Running default job", "job", id)

	res, err := a.cfg.Executor.Execute(ctx, a.cfg.DefaultJob)
	if ctx.Err() != nil {
		return
	}
	res.Success = err == nil
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
	a.cfg.Metrics.RecordAutonomousRun()
	a.keepLocally(id, 1, res, time.Since(start))
}

func (a *Agent) keepLocally(jobID types.JobID, attempt int, res ExecResult, d time.Duration) {
	if a.cfg.LocalLog == nil {
		return
	}
	rec := types.CompletedJobRecord{
		JobID:       jobID,
		Attempt:     attempt,
		WorkerID:    a.WorkerID(),
		Hostname:    a.cfg.Hostname,
		Success:     res.Success,
		Metrics:     res.Metrics,
		ArtifactRef: res.ArtifactRef,
		Error:       res.Error,
		CompletedAt: time.Now(),
		Duration:    d,
	}
	if err := a.cfg.LocalLog.Append(rec); err != nil {
		a.log.Error("Failed to append local result", "job", jobID, "error", err)
	}
}

// ============================================================================
// Heartbeat
// ============================================================================

func (a *Agent) startHeartbeat(parent context.Context, workerID string, interval time.Duration) {
	a.stopHeartbeat()
	ctx, cancel := context.WithCancel(parent)
	a.hbCancel = cancel
	a.hbWg.Add(1)
	go func() {
		defer a.hbWg.Done()
		a.heartbeatLoop(ctx, workerID, interval)
	}()
}

func (a *Agent) stopHeartbeat() {
	if a.hbCancel != nil {
		a.hbCancel()
		a.hbCancel = nil
	}
	a.hbWg.Wait()
}

// heartbeatLoop sends a heartbeat every interval. UnknownWorker is passed to
// the main loop through hbLost and ends the loop; other failures are only
// logged.
func (a *Agent) heartbeatLoop(ctx context.Context, workerID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.coord.Heartbeat(ctx, workerID, string(a.State()))
			switch {
			case err == nil:
				a.cfg.Metrics.RecordHeartbeat("ok")
			case ctx.Err() != nil:
				return
			case errors.Is(err, types.ErrUnknownWorker):
				a.cfg.Metrics.RecordHeartbeat("unknown_worker")
				a.log.Warn("Heartbeat rejected, worker unknown", "worker", workerID)
				select {
				case a.hbLost <- struct{}{}:
				default:
				}
				return
			default:
				a.cfg.Metrics.RecordHeartbeat("error")
				a.log.Warn("Heartbeat failed", "worker", workerID, "error", err)
			}
		}
	}
}

// heartbeatLost reports, without blocking, whether a heartbeat was rejected
// with UnknownWorker since the last registration.
func (a *Agent) heartbeatLost() bool {
	select {
	case <-a.hbLost:
		return true
	default:
		return false
	}
}

func (a *Agent) clearHeartbeatLost() {
	a.heartbeatLost()
}

// waitIdle sleeps d like sleep but returns true early when a heartbeat is
// rejected with UnknownWorker.
func (a *Agent) waitIdle(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return a.heartbeatLost()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-a.hbLost:
		return true
	case <-t.C:
		return false
	}
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
