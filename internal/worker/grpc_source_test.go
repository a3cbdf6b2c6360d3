package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	fleetv1 "github.com/ChuLiYu/trainfleet/api/fleet/v1"
	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// fakeConn answers Invoke from a per-method handler.
type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]func(in, out interface{}) error
	calls    map[string]int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers: make(map[string]func(in, out interface{}) error),
		calls:    make(map[string]int),
	}
}

func (f *fakeConn) on(method string, h func(in, out interface{}) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeConn) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeConn) Invoke(ctx context.Context, method string, in, out interface{}, _ ...grpc.CallOption) error {
	f.mu.Lock()
	f.calls[method]++
	h := f.handlers[method]
	f.mu.Unlock()
	if h == nil {
		return status.Error(codes.Unimplemented, method)
	}
	return h(in, out)
}

func (f *fakeConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("streams not supported")
}

func TestGRPCCoordinatorRegister(t *testing.T) {
	conn := newFakeConn()
	conn.on(fleetv1.MethodRegister, func(in, out interface{}) error {
		req := in.(*fleetv1.RegisterRequest)
		assert.Equal(t, "10.0.0.5", req.Address)
		assert.Equal(t, "gpu-box", req.Hostname)
		*out.(*fleetv1.RegisterResponse) = fleetv1.RegisterResponse{WorkerId: "10.0.0.5", HeartbeatIntervalMs: 30000}
		return nil
	})

	c := NewGRPCCoordinator(conn, GRPCOptions{})
	reg, err := c.Register(context.Background(), RegisterParams{Address: "10.0.0.5", Hostname: "gpu-box"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", reg.WorkerID)
	assert.Equal(t, 30*time.Second, reg.HeartbeatInterval)
}

func TestGRPCCoordinatorRequestJob(t *testing.T) {
	conn := newFakeConn()
	c := NewGRPCCoordinator(conn, GRPCOptions{})

	conn.on(fleetv1.MethodRequestJob, func(_, out interface{}) error {
		return nil // no job in response
	})
	_, err := c.RequestJob(context.Background(), "w")
	assert.ErrorIs(t, err, types.ErrNoJobsAvailable)

	conn.on(fleetv1.MethodRequestJob, func(_, out interface{}) error {
		*out.(*fleetv1.RequestJobResponse) = fleetv1.RequestJobResponse{
			Job:     &fleetv1.JobSpec{Id: "A", Config: map[string]interface{}{"lr": 0.1}},
			Attempt: 2,
		}
		return nil
	})
	asg, err := c.RequestJob(context.Background(), "w")
	require.NoError(t, err)
	assert.Equal(t, types.JobID("A"), asg.Spec.ID)
	assert.Equal(t, 2, asg.Attempt)
	assert.Equal(t, 0.1, asg.Spec.Config["lr"])
}

func TestGRPCCoordinatorMapsStatusCodes(t *testing.T) {
	cases := []struct {
		code codes.Code
		want error
	}{
		{codes.NotFound, types.ErrUnknownWorker},
		{codes.FailedPrecondition, types.ErrInvalidAssignment},
		{codes.Aborted, types.ErrWorkerBusy},
		{codes.Unavailable, types.ErrUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			conn := newFakeConn()
			conn.on(fleetv1.MethodReportResult, func(_, _ interface{}) error {
				return status.Error(tc.code, "nope")
			})
			c := NewGRPCCoordinator(conn, GRPCOptions{})
			err := c.ReportResult(context.Background(), "w", "A", ExecResult{Success: true})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestGRPCCoordinatorBreakerOpensOnTransportFailures(t *testing.T) {
	conn := newFakeConn()
	conn.on(fleetv1.MethodHeartbeat, func(_, _ interface{}) error {
		return status.Error(codes.Unavailable, "connection refused")
	})

	var transitions []string
	c := NewGRPCCoordinator(conn, GRPCOptions{Breaker: BreakerConfig{
		Failures:    3,
		OpenTimeout: time.Hour,
		OnStateChange: func(_, to string) {
			transitions = append(transitions, to)
		},
	}})

	for i := 0; i < 5; i++ {
		err := c.Heartbeat(context.Background(), "w", "idle")
		assert.ErrorIs(t, err, types.ErrUnreachable)
	}
	// the last two calls were short-circuited
	assert.Equal(t, 3, conn.count(fleetv1.MethodHeartbeat))
	assert.Equal(t, []string{"open"}, transitions)
}

func TestGRPCCoordinatorRejectionsDoNotTripBreaker(t *testing.T) {
	conn := newFakeConn()
	conn.on(fleetv1.MethodHeartbeat, func(_, _ interface{}) error {
		return status.Error(codes.NotFound, "unknown worker")
	})
	c := NewGRPCCoordinator(conn, GRPCOptions{Breaker: BreakerConfig{Failures: 2, OpenTimeout: time.Hour}})

	for i := 0; i < 5; i++ {
		err := c.Heartbeat(context.Background(), "w", "idle")
		assert.ErrorIs(t, err, types.ErrUnknownWorker)
	}
	assert.Equal(t, 5, conn.count(fleetv1.MethodHeartbeat))
}

func TestIsTransportError(t *testing.T) {
	assert.False(t, isTransportError(nil))
	assert.True(t, isTransportError(context.DeadlineExceeded))
	assert.True(t, isTransportError(status.Error(codes.Unavailable, "")))
	assert.True(t, isTransportError(status.Error(codes.DeadlineExceeded, "")))
	assert.False(t, isTransportError(status.Error(codes.NotFound, "")))
	assert.False(t, isTransportError(status.Error(codes.Aborted, "")))
}
