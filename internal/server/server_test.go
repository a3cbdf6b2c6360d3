package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	fleetv1 "github.com/ChuLiYu/trainfleet/api/fleet/v1"
	"github.com/ChuLiYu/trainfleet/internal/coordinator"
	"github.com/ChuLiYu/trainfleet/internal/metrics"
	"github.com/ChuLiYu/trainfleet/pkg/types"
)

type harness struct {
	coord  *coordinator.Coordinator
	client fleetv1.CoordinatorClient
	reg    *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	coord, err := coordinator.New(coordinator.Config{Metrics: collector})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServerWithListener(lis, NewServer(coord, nil), collector)
	go gs.Serve()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		gs.Stop(time.Second)
		coord.Stop()
	})
	return &harness{coord: coord, client: fleetv1.NewCoordinatorClient(conn), reg: reg}
}

func TestRPCJobLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reg, err := h.client.Register(ctx, &fleetv1.RegisterRequest{
		Address:      "10.0.0.5",
		Hostname:     "gpu-box",
		Capabilities: map[string]string{"gpu": "a100"},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", reg.WorkerId)
	assert.Equal(t, int64(30000), reg.HeartbeatIntervalMs)

	empty, err := h.client.RequestJob(ctx, &fleetv1.RequestJobRequest{WorkerId: "10.0.0.5"})
	require.NoError(t, err)
	assert.Nil(t, empty.Job, "empty queue is a response without a job")

	enq, err := h.client.EnqueueJob(ctx, &fleetv1.EnqueueJobRequest{Job: &fleetv1.JobSpec{
		Id:     "lr-0.01",
		Config: map[string]interface{}{"lr": 0.01, "optimizer": "adam"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "lr-0.01", enq.JobId)

	got, err := h.client.RequestJob(ctx, &fleetv1.RequestJobRequest{WorkerId: "10.0.0.5"})
	require.NoError(t, err)
	require.NotNil(t, got.Job)
	assert.Equal(t, "lr-0.01", got.Job.Id)
	assert.Equal(t, "adam", got.Job.Config["optimizer"])
	assert.Equal(t, int32(1), got.Attempt)

	_, err = h.client.Heartbeat(ctx, &fleetv1.HeartbeatRequest{WorkerId: "10.0.0.5", Status: "training"})
	require.NoError(t, err)

	_, err = h.client.ReportResult(ctx, &fleetv1.ReportResultRequest{
		WorkerId: "10.0.0.5",
		JobId:    "lr-0.01",
		Success:  true,
		Metrics:  map[string]interface{}{"score": 0.93},
	})
	require.NoError(t, err)

	st, err := h.client.Status(ctx, &fleetv1.StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), st.Completed)
	require.Len(t, st.Workers, 1)
	assert.Equal(t, "idle", st.Workers[0].Status)
	assert.Equal(t, "training", st.Workers[0].ReportedStatus)

	res, err := h.client.ListResults(ctx, &fleetv1.ListResultsRequest{JobId: "lr-0.01"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "gpu-box", res.Records[0].Hostname)
	assert.Equal(t, 0.93, res.Records[0].Metrics["score"])
}

func TestRPCErrorCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Heartbeat(ctx, &fleetv1.HeartbeatRequest{WorkerId: "ghost"})
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.True(t, errors.Is(fleetv1.FromStatus(err), types.ErrUnknownWorker))

	_, err = h.client.EnqueueJob(ctx, &fleetv1.EnqueueJobRequest{Job: &fleetv1.JobSpec{
		Id:     "bad",
		Config: map[string]interface{}{"layers": []interface{}{64, 64}},
	}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.EnqueueJob(ctx, &fleetv1.EnqueueJobRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.EnqueueJob(ctx, &fleetv1.EnqueueJobRequest{Job: &fleetv1.JobSpec{Id: "a"}})
	require.NoError(t, err)
	_, err = h.client.EnqueueJob(ctx, &fleetv1.EnqueueJobRequest{Job: &fleetv1.JobSpec{Id: "a"}})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = h.client.Register(ctx, &fleetv1.RegisterRequest{Address: "w1"})
	require.NoError(t, err)
	_, err = h.client.RequestJob(ctx, &fleetv1.RequestJobRequest{WorkerId: "w1"})
	require.NoError(t, err)
	_, err = h.client.RequestJob(ctx, &fleetv1.RequestJobRequest{WorkerId: "w1"})
	assert.Equal(t, codes.Aborted, status.Code(err))

	_, err = h.client.ReportResult(ctx, &fleetv1.ReportResultRequest{WorkerId: "w2", JobId: "a", Success: true})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestRegisterUsesPeerAddress(t *testing.T) {
	h := newHarness(t)

	resp, err := h.client.Register(context.Background(), &fleetv1.RegisterRequest{Hostname: "anon"})
	require.NoError(t, err)
	// bufconn peers have no host:port, the raw address string is used
	assert.Equal(t, "bufconn", resp.WorkerId)
	require.Len(t, h.coord.ListWorkers(), 1)
	assert.Equal(t, "anon", h.coord.ListWorkers()[0].Hostname)
}

func TestGeneratedJobID(t *testing.T) {
	h := newHarness(t)

	resp, err := h.client.EnqueueJob(context.Background(), &fleetv1.EnqueueJobRequest{Job: &fleetv1.JobSpec{Description: "no id"}})
	require.NoError(t, err)
	assert.Regexp(t, `^job-[0-9a-f-]{36}$`, resp.JobId)
}

func TestOperatorHandler(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.Register(context.Background(), &fleetv1.RegisterRequest{Address: "w1"})
	require.NoError(t, err)

	srv := httptest.NewServer(OperatorHandler(h.coord, h.reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary types.StatusSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	require.Len(t, summary.Workers, 1)
	assert.Equal(t, "w1", summary.Workers[0].Address)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}
