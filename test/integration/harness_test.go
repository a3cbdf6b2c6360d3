package integration

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	fleetv1 "github.com/ChuLiYu/trainfleet/api/fleet/v1"
	"github.com/ChuLiYu/trainfleet/internal/coordinator"
	"github.com/ChuLiYu/trainfleet/internal/server"
	"github.com/ChuLiYu/trainfleet/internal/worker"
	"github.com/ChuLiYu/trainfleet/pkg/types"
)

// cluster 單一進程內的協調器 + gRPC 伺服器 + 若干 agent
type cluster struct {
	t     testing.TB
	coord *coordinator.Coordinator
	srv   *server.GRPCServer
	addr  string

	mu     sync.Mutex
	agents map[string]*runningAgent
}

type runningAgent struct {
	agent  *worker.Agent
	cancel context.CancelFunc
	done   chan struct{}
}

// fastConfig 縮短所有時間參數，讓測試在秒級完成
func fastConfig() coordinator.Config {
	return coordinator.Config{
		HeartbeatTimeout:  400 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		MonitorInterval:   50 * time.Millisecond,
		SnapshotInterval:  100 * time.Millisecond,
	}
}

func startCluster(t testing.TB, cfg coordinator.Config) *cluster {
	t.Helper()

	coord, err := coordinator.New(cfg)
	require.NoError(t, err)
	require.NoError(t, coord.Start())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.NewGRPCServerWithListener(lis, server.NewServer(coord, nil), nil)
	go srv.Serve()

	c := &cluster{t: t, coord: coord, srv: srv, addr: lis.Addr().String(), agents: make(map[string]*runningAgent)}
	t.Cleanup(c.shutdown)
	return c
}

// shutdown 依序停止 agent、gRPC、協調器（會寫最後一次快照）
func (c *cluster) shutdown() {
	c.mu.Lock()
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	c.mu.Unlock()
	for _, name := range names {
		c.stopAgent(name)
	}
	c.srv.Stop(time.Second)
	c.coord.Stop()
}

// addAgent 啟動一個透過 loopback gRPC 連線的 agent，address 即 worker ID
func (c *cluster) addAgent(address string, exec worker.Executor) *worker.Agent {
	c.t.Helper()

	a, err := worker.NewAgent(worker.AgentConfig{
		CoordinatorAddr:        c.addr,
		Address:                address,
		Hostname:               "host-" + address,
		PollInterval:           10 * time.Millisecond,
		RegisterBackoffInitial: 10 * time.Millisecond,
		RegisterBackoffMax:     100 * time.Millisecond,
		Executor:               exec,
		Dial: func(addr string) (worker.Coordinator, func() error, error) {
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return nil, nil, err
			}
			return worker.NewGRPCCoordinator(conn, worker.GRPCOptions{RPCTimeout: time.Second}), conn.Close, nil
		},
	})
	require.NoError(c.t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ra := &runningAgent{agent: a, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(ra.done)
		a.Run(ctx)
	}()

	c.mu.Lock()
	c.agents[address] = ra
	c.mu.Unlock()
	return a
}

// stopAgent 模擬機器離線：取消 agent，之後不再有心跳
func (c *cluster) stopAgent(address string) {
	c.mu.Lock()
	ra, ok := c.agents[address]
	delete(c.agents, address)
	c.mu.Unlock()
	if !ok {
		return
	}
	ra.cancel()
	select {
	case <-ra.done:
	case <-time.After(5 * time.Second):
		c.t.Errorf("agent %s did not stop", address)
	}
}

// client 操作者視角的 gRPC 客戶端
func (c *cluster) client() fleetv1.CoordinatorClient {
	c.t.Helper()
	return fleetv1.NewCoordinatorClient(clientConn(c.t, c))
}

func clientConn(t testing.TB, c *cluster) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(c.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// drained 佇列中沒有 pending 與 in-flight 任務
func (c *cluster) drained() bool {
	s := c.coord.Status().Queue
	return s.Pending == 0 && s.Assigned == 0
}

func sweep(prefix string, n int) []types.JobSpec {
	specs := make([]types.JobSpec, n)
	for i := range specs {
		specs[i] = types.JobSpec{
			ID:     types.JobID(fmt.Sprintf("%s-%03d", prefix, i)),
			Config: map[string]interface{}{"seed": i},
		}
	}
	return specs
}

// blockingExecutor 直到 release 關閉或 ctx 取消才返回，started 在開始執行時收到任務 config
type blockingExecutor struct {
	started chan map[string]interface{}
	release chan struct{}
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{started: make(chan map[string]interface{}, 16), release: make(chan struct{})}
}

func (b *blockingExecutor) Execute(ctx context.Context, config map[string]interface{}) (worker.ExecResult, error) {
	b.started <- config
	select {
	case <-ctx.Done():
		return worker.ExecResult{}, ctx.Err()
	case <-b.release:
		return worker.ExecResult{Success: true, Metrics: map[string]interface{}{"score": 1.0}}, nil
	}
}

// instantExecutor 立即成功
type instantExecutor struct{}

func (instantExecutor) Execute(_ context.Context, config map[string]interface{}) (worker.ExecResult, error) {
	return worker.ExecResult{Success: true, Metrics: map[string]interface{}{"seed": config["seed"]}}, nil
}

// failingExecutor 永遠失敗
type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, map[string]interface{}) (worker.ExecResult, error) {
	return worker.ExecResult{}, fmt.Errorf("CUDA out of memory")
}
