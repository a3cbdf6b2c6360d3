// ============================================================================
// trainfleet Executor - Job Execution Boundary
// ============================================================================
//
// Package: internal/worker
// File: executor.go
// Purpose: Runs one job config and returns a structured result.
//
// Implementations:
//   - CommandExecutor: runs an external training command. The job config is
//     written as JSON to stdin and exported in TRAINFLEET_JOB_CONFIG. The last
//     stdout line that parses as a JSON object is the result:
//       {"success": true, "metrics": {"score": 0.93}, "artifact_ref": "models/run.pt"}
//     Every other line is logged. A non-zero exit is a failure.
//   - SimulatedExecutor: sleeps a random duration and fails at a configured
//     rate. Used by the demo and tests.
//
// Error Handling:
//   A returned error is an execution failure; the ExecResult still carries
//   whatever metrics were produced and the error text for reporting.
//
// ============================================================================

package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// JobConfigEnv carries the job config to CommandExecutor children.
const JobConfigEnv = "TRAINFLEET_JOB_CONFIG"

// ExecResult is the structured outcome of one execution.
type ExecResult struct {
	Success     bool                   `json:"success"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
	ArtifactRef string                 `json:"artifact_ref,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Executor runs a job config to completion or until ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, config map[string]interface{}) (ExecResult, error)
}

// failed builds the failure result for err.
func failed(res ExecResult, err error) (ExecResult, error) {
	res.Success = false
	if res.Error == "" {
		res.Error = err.Error()
	}
	return res, err
}

// ============================================================================
// CommandExecutor
// ============================================================================

// CommandExecutor runs an external command per job.
type CommandExecutor struct {
	Command []string
	WorkDir string
	Timeout time.Duration // 0 = no limit beyond ctx
	Logger  *slog.Logger
}

// resultLine is the shape accepted on stdout.
type resultLine struct {
	Success     *bool                  `json:"success"`
	Metrics     map[string]interface{} `json:"metrics"`
	ArtifactRef string                 `json:"artifact_ref"`
	Error       string                 `json:"error"`
}

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, config map[string]interface{}) (ExecResult, error) {
	if len(e.Command) == 0 {
		return failed(ExecResult{}, errors.New("executor: no command configured"))
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return failed(ExecResult{}, fmt.Errorf("executor: encode config: %w", err))
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.WorkDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), JobConfigEnv+"="+string(payload))
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failed(ExecResult{}, fmt.Errorf("executor: stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return failed(ExecResult{}, fmt.Errorf("executor: start %s: %w", e.Command[0], err))
	}

	var (
		res   ExecResult
		found bool
	)
	found, res = scanResult(stdout, logger)
	waitErr := cmd.Wait()

	if waitErr != nil {
		if ctx.Err() != nil {
			return failed(res, fmt.Errorf("executor: %w", ctx.Err()))
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return failed(res, fmt.Errorf("executor: %w: %s", waitErr, lastLine(msg)))
		}
		return failed(res, fmt.Errorf("executor: %w", waitErr))
	}
	if !found {
		// exit 0 without a result line is still a success
		return ExecResult{Success: true}, nil
	}
	if !res.Success {
		if res.Error == "" {
			res.Error = "command reported failure"
		}
		return res, errors.New(res.Error)
	}
	return res, nil
}

// scanResult reads stdout to EOF, returning the last JSON result object.
func scanResult(r io.Reader, logger *slog.Logger) (bool, ExecResult) {
	var (
		res   ExecResult
		found bool
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "{") {
			var rl resultLine
			if err := json.Unmarshal([]byte(line), &rl); err == nil {
				res = ExecResult{
					Success:     rl.Success == nil || *rl.Success,
					Metrics:     rl.Metrics,
					ArtifactRef: rl.ArtifactRef,
					Error:       rl.Error,
				}
				found = true
				continue
			}
		}
		logger.Debug("job output", "line", line)
	}
	// drain so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
	return found, res
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// ============================================================================
// SimulatedExecutor
// ============================================================================

// SimulatedExecutor pretends to train: random delay, configurable failure rate.
type SimulatedExecutor struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	FailureRate float64 // 0..1

	mu   sync.Mutex
	rand *rand.Rand
}

// NewSimulatedExecutor creates a SimulatedExecutor seeded with seed.
func NewSimulatedExecutor(minDur, maxDur time.Duration, failureRate float64, seed int64) *SimulatedExecutor {
	return &SimulatedExecutor{
		MinDuration: minDur,
		MaxDuration: maxDur,
		FailureRate: failureRate,
		rand:        rand.New(rand.NewSource(seed)),
	}
}

func (s *SimulatedExecutor) draw() (time.Duration, bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rand == nil {
		s.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	d := s.MinDuration
	if span := s.MaxDuration - s.MinDuration; span > 0 {
		d += time.Duration(s.rand.Int63n(int64(span)))
	}
	return d, s.rand.Float64() < s.FailureRate, s.rand.Float64()
}

// Execute implements Executor.
func (s *SimulatedExecutor) Execute(ctx context.Context, config map[string]interface{}) (ExecResult, error) {
	d, fail, score := s.draw()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return failed(ExecResult{}, ctx.Err())
	case <-timer.C:
	}

	metrics := map[string]interface{}{
		"score":      score,
		"duration_s": d.Seconds(),
	}
	if fail {
		return failed(ExecResult{Metrics: metrics}, errors.New("simulated training failure"))
	}
	return ExecResult{Success: true, Metrics: metrics}, nil
}
