// Command demo runs a coordinator and a handful of simulated agents in one
// process over loopback gRPC.
//
//	go run ./cmd/demo start     # enqueue a sweep and train it; Ctrl+C mid-way
//	go run ./cmd/demo recover   # restart from the snapshot and finish the sweep
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/trainfleet/internal/coordinator"
	"github.com/ChuLiYu/trainfleet/internal/jobgen"
	"github.com/ChuLiYu/trainfleet/internal/server"
	"github.com/ChuLiYu/trainfleet/internal/worker"
	"github.com/ChuLiYu/trainfleet/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	dataDir     = "data/demo"
	agentCount  = 4
	failureRate = 0.2
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]
	if mode != "start" && mode != "recover" {
		log.Fatalf("unknown mode %q", mode)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("Failed to create %s: %v", dataDir, err)
	}
	if mode == "start" {
		os.Remove(filepath.Join(dataDir, "coordinator.snapshot"))
		os.Remove(filepath.Join(dataDir, "results.log"))
	}

	coord, err := coordinator.New(coordinator.Config{
		HeartbeatTimeout:  3 * time.Second,
		HeartbeatInterval: time.Second,
		MonitorInterval:   500 * time.Millisecond,
		SnapshotPath:      filepath.Join(dataDir, "coordinator.snapshot"),
		SnapshotInterval:  time.Second,
		ResultsLog:        filepath.Join(dataDir, "results.log"),
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}
	if err := coord.Start(); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}
	fmt.Printf("✓ Coordinator started (mode: %s)\n", mode)

	if mode == "start" {
		specs, err := (jobgen.Sweep{
			Name: "demo",
			Base: map[string]interface{}{"timesteps": 50000},
			Params: map[string][]interface{}{
				"learning_rate": {0.001, 0.0005, 0.0001},
				"batch_size":    {32, 64},
				"seed":          {1, 2},
			},
		}).Expand()
		if err != nil {
			log.Fatalf("Failed to build sweep: %v", err)
		}
		n, err := coord.EnqueueJobs(specs)
		if err != nil {
			log.Fatalf("Failed to enqueue jobs: %v", err)
		}
		fmt.Printf("✓ Enqueued %d jobs\n", n)
		fmt.Printf("💡 Press Ctrl+C while jobs are in flight, then run 'recover'\n\n")
	} else {
		printStatus("Status after recovery", coord.Status())
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	grpcSrv := server.NewGRPCServerWithListener(lis, server.NewServer(coord, logger), nil)
	go grpcSrv.Serve()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	agentCtx, cancelAgents := context.WithCancel(ctx)
	for i := 0; i < agentCount; i++ {
		a, err := newAgent(i, lis.Addr().String(), logger)
		if err != nil {
			log.Fatalf("Failed to create agent: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Run(agentCtx)
		}()
	}
	fmt.Printf("✓ Started %d simulated agents\n\n", agentCount)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			break loop
		case <-ticker.C:
			s := coord.Status()
			fmt.Printf("📊 Pending=%d In-Flight=%d Completed=%d Failed=%d\n",
				s.Queue.Pending, s.Queue.Assigned, s.Queue.Completed, s.Queue.Failed)
			if s.Queue.Pending == 0 && s.Queue.Assigned == 0 {
				printStatus("All jobs finished", s)
				break loop
			}
		}
	}

	cancelAgents()
	wg.Wait()
	grpcSrv.Stop(time.Second)
	coord.Stop()
	fmt.Println("✓ Coordinator stopped")
}

func newAgent(i int, addr string, logger *slog.Logger) (*worker.Agent, error) {
	return worker.NewAgent(worker.AgentConfig{
		CoordinatorAddr: addr,
		Address:         fmt.Sprintf("127.0.0.%d", i+2),
		Hostname:        fmt.Sprintf("sim-%d", i),
		Capabilities:    map[string]string{"gpu": "simulated"},
		PollInterval:    200 * time.Millisecond,
		Executor:        worker.NewSimulatedExecutor(500*time.Millisecond, 2*time.Second, failureRate, time.Now().UnixNano()+int64(i)),
		Logger:          logger,
		Dial: func(addr string) (worker.Coordinator, func() error, error) {
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return nil, nil, err
			}
			return worker.NewGRPCCoordinator(conn, worker.GRPCOptions{}), conn.Close, nil
		},
	})
}

func printStatus(title string, s types.StatusSummary) {
	total := s.Queue.Pending + s.Queue.Assigned + s.Queue.Completed + s.Queue.Failed
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Pending:   %d\n", s.Queue.Pending)
	fmt.Printf("  In-Flight: %d\n", s.Queue.Assigned)
	fmt.Printf("  Completed: %d\n", s.Queue.Completed)
	fmt.Printf("  Failed:    %d\n", s.Queue.Failed)
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:     %d\n", total)
	fmt.Printf("  Results:   %d attempts recorded\n\n", s.Results)
	for _, id := range s.FailedJobs {
		fmt.Printf("  ❌ %s exhausted its retries\n", id)
	}
}
