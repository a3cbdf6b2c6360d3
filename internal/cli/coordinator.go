package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/trainfleet/internal/config"
	"github.com/ChuLiYu/trainfleet/internal/coordinator"
	"github.com/ChuLiYu/trainfleet/internal/discovery"
	"github.com/ChuLiYu/trainfleet/internal/jobgen"
	"github.com/ChuLiYu/trainfleet/internal/metrics"
	"github.com/ChuLiYu/trainfleet/internal/server"
)

const shutdownTimeout = 10 * time.Second

func buildCoordinatorCommand() *cobra.Command {
	var (
		listen   string
		jobsFile string
		noProbe  bool
	)

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Start the coordinator",
		Long: `Start the coordinator: the gRPC API for agents and operators, the
liveness monitor, periodic snapshots and (if enabled) the /metrics and
/status HTTP endpoints. On start it broadcasts one discovery probe and
enqueues jobs from --jobs-file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Coordinator.Listen = listen
			}
			if jobsFile != "" {
				cfg.Coordinator.JobsFile = jobsFile
			}
			if noProbe {
				cfg.Coordinator.ProbeOnStart = false
			}

			logger, closer, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runCoordinator(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address (overrides coordinator.listen)")
	cmd.Flags().StringVar(&jobsFile, "jobs-file", "", "job file to enqueue on start (overrides coordinator.jobs_file)")
	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "skip the startup discovery probe")

	return cmd
}

// runCoordinator blocks until ctx is cancelled.
func runCoordinator(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	coord, err := coordinator.New(coordinator.Config{
		HeartbeatTimeout:  cfg.Coordinator.HeartbeatTimeout,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		MonitorInterval:   cfg.Coordinator.MonitorInterval,
		OfflineRetention:  cfg.Coordinator.OfflineRetention,
		MaxAttempts:       cfg.Coordinator.MaxAttempts,
		SnapshotPath:      cfg.Coordinator.SnapshotPath,
		SnapshotInterval:  cfg.Coordinator.SnapshotInterval,
		ResultsLog:        cfg.Coordinator.ResultsLog,
		Logger:            logger,
		Metrics:           collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := coord.Start(); err != nil {
		coord.Stop()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer coord.Stop()

	if cfg.Coordinator.JobsFile != "" {
		if err := enqueueFromFile(coord, cfg.Coordinator.JobsFile, logger); err != nil {
			return err
		}
	}

	grpcSrv, err := server.NewGRPCServer(cfg.Coordinator.Listen, server.NewServer(coord, logger), collector)
	if err != nil {
		return err
	}
	errCh := make(chan error, 2)
	go func() { errCh <- grpcSrv.Serve() }()
	defer grpcSrv.Stop(shutdownTimeout)

	if cfg.Metrics.Enabled {
		httpSrv, err := server.NewHTTPServer(cfg.Metrics.Listen, server.OperatorHandler(coord, reg), logger)
		if err != nil {
			return fmt.Errorf("failed to start operator endpoint: %w", err)
		}
		go func() { errCh <- httpSrv.Serve() }()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			httpSrv.Shutdown(sctx)
		}()
	}

	if cfg.Coordinator.ProbeOnStart {
		go probeOnStart(ctx, cfg, grpcSrv.Addr(), logger)
	}

	logger.Info("Coordinator started", "listen", grpcSrv.Addr().String())

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}

func enqueueFromFile(coord *coordinator.Coordinator, path string, logger *slog.Logger) error {
	specs, err := jobgen.LoadFile(path)
	if err != nil {
		return err
	}
	n, err := coord.EnqueueJobs(specs)
	if err != nil {
		logger.Warn("Some jobs were not enqueued", "file", path, "enqueued", n, "total", len(specs), "error", err)
		return nil
	}
	logger.Info("Jobs enqueued from file", "file", path, "count", n)
	return nil
}

// probeOnStart broadcasts one discovery probe advertising the API port and
// logs the agents that answered.
func probeOnStart(ctx context.Context, cfg *config.Config, apiAddr net.Addr, logger *slog.Logger) {
	port := 0
	if tcp, ok := apiAddr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	peers, err := discovery.Probe(ctx, discovery.Config{
		Port:          cfg.Discovery.Port,
		BroadcastAddr: cfg.Discovery.BroadcastAddr,
		ProbeTimeout:  cfg.Discovery.ProbeTimeout,
		APIPort:       port,
		Logger:        logger,
	})
	if err != nil {
		logger.Warn("Startup discovery probe failed", "error", err)
		return
	}
	logger.Info("Startup discovery finished", "agents", len(peers))
	for _, p := range peers {
		logger.Info("Agent found", "address", p.Address, "hostname", p.Hostname, "capabilities", p.Capabilities)
	}
}
