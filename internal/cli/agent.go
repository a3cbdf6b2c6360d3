package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/trainfleet/internal/config"
	"github.com/ChuLiYu/trainfleet/internal/discovery"
	"github.com/ChuLiYu/trainfleet/internal/metrics"
	"github.com/ChuLiYu/trainfleet/internal/server"
	"github.com/ChuLiYu/trainfleet/internal/storage/recordlog"
	"github.com/ChuLiYu/trainfleet/internal/worker"
)

func buildAgentCommand() *cobra.Command {
	var (
		coordAddr     string
		address       string
		executor      string
		noDiscovery   bool
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start a worker agent",
		Long: `Start a worker agent. The agent waits for a coordinator discovery probe
(falling back to --coordinator), registers, and then loops requesting,
executing and reporting jobs. If the coordinator stays unreachable it runs
agent.default_job locally and keeps retrying.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if coordAddr != "" {
				cfg.Agent.Coordinator = coordAddr
			}
			if executor != "" {
				cfg.Agent.Executor.Kind = executor
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger, closer, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runAgent(ctx, cfg, agentOptions{
				address:       address,
				discover:      !noDiscovery,
				metricsListen: metricsListen,
			}, logger)
		},
	}

	cmd.Flags().StringVar(&coordAddr, "coordinator", "", "coordinator API address used when discovery fails (overrides agent.coordinator)")
	cmd.Flags().StringVar(&address, "address", "", "address to register as (default: the address the coordinator sees)")
	cmd.Flags().StringVar(&executor, "executor", "", "executor kind: command or simulated (overrides agent.executor.kind)")
	cmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "skip waiting for a discovery probe")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve agent /metrics on this address")

	return cmd
}

type agentOptions struct {
	address       string
	discover      bool
	metricsListen string
}

// runAgent blocks until ctx is cancelled or the coordinator cannot be
// located.
func runAgent(ctx context.Context, cfg *config.Config, opts agentOptions, logger *slog.Logger) error {
	ac := cfg.Agent

	reg := prometheus.NewRegistry()
	agentMetrics := metrics.NewAgentCollector(reg, worker.StateNames())
	if opts.metricsListen != "" {
		httpSrv, err := server.NewHTTPServer(opts.metricsListen, metrics.Handler(reg), logger)
		if err != nil {
			return fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
		go httpSrv.Serve()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			httpSrv.Shutdown(sctx)
		}()
	}

	exec, err := newExecutor(ac.Executor, logger)
	if err != nil {
		return err
	}

	agentCfg := worker.AgentConfig{
		CoordinatorAddr:        ac.Coordinator,
		Address:                opts.address,
		Hostname:               ac.Hostname,
		Capabilities:           ac.Capabilities,
		HeartbeatInterval:      ac.HeartbeatInterval,
		PollInterval:           ac.PollInterval,
		RegisterBackoffInitial: ac.RegisterBackoffInitial,
		RegisterBackoffMax:     ac.RegisterBackoffMax,
		RegisterAttempts:       ac.RegisterAttempts,
		AutonomousInterval:     ac.AutonomousInterval,
		DefaultJob:             ac.DefaultJob,
		Executor:               exec,
		Logger:                 logger,
		Metrics:                agentMetrics,
		Dial: func(addr string) (worker.Coordinator, func() error, error) {
			conn, err := dial(addr)
			if err != nil {
				return nil, nil, err
			}
			client := worker.NewGRPCCoordinator(conn, worker.GRPCOptions{
				RPCTimeout: ac.RPCTimeout,
				Breaker: worker.BreakerConfig{
					Failures:    ac.BreakerFailures,
					OpenTimeout: ac.BreakerTimeout,
					OnStateChange: func(from, to string) {
						agentMetrics.RecordBreakerTransition(to)
						logger.Warn("Coordinator circuit breaker", "from", from, "to", to)
					},
				},
			})
			return client, conn.Close, nil
		},
	}

	if ac.LocalLog != "" {
		local, err := recordlog.Open(ac.LocalLog, true)
		if err != nil {
			return fmt.Errorf("failed to open local results log: %w", err)
		}
		defer local.Close()
		agentCfg.LocalLog = local
	}

	if opts.discover {
		agentCfg.Discover = discoverFunc(ctx, cfg, logger)
	}

	agent, err := worker.NewAgent(agentCfg)
	if err != nil {
		return err
	}
	return agent.Run(ctx)
}

// discoverFunc waits for one coordinator probe. With agent.respond set the
// socket stays open afterwards and keeps answering later probes until
// serveCtx ends.
func discoverFunc(serveCtx context.Context, cfg *config.Config, logger *slog.Logger) worker.DiscoverFunc {
	return func(ctx context.Context) (string, error) {
		r, err := discovery.NewResponder(discovery.Config{
			Port:          cfg.Discovery.Port,
			ListenTimeout: cfg.Discovery.ListenTimeout,
			Hostname:      cfg.Agent.Hostname,
			Capabilities:  cfg.Agent.Capabilities,
			Logger:        logger,
		})
		if err != nil {
			return "", err
		}

		addr, err := r.AwaitProbe(ctx, cfg.Discovery.ListenTimeout)
		if err != nil && !errors.Is(err, discovery.ErrNoCoordinator) {
			r.Close()
			return "", err
		}

		if cfg.Agent.Respond {
			go func() {
				defer r.Close()
				if err := r.Serve(serveCtx, func(coord string) {
					logger.Info("Answered discovery probe", "coordinator", coord)
				}); err != nil {
					logger.Warn("Discovery responder stopped", "error", err)
				}
			}()
		} else {
			r.Close()
		}
		return addr, err
	}
}

// newExecutor builds the configured Executor.
func newExecutor(ec config.ExecutorConfig, logger *slog.Logger) (worker.Executor, error) {
	switch ec.Kind {
	case "simulated":
		return worker.NewSimulatedExecutor(ec.MinDuration, ec.MaxDuration, ec.FailureRate, time.Now().UnixNano()), nil
	case "command", "":
		if len(ec.Command) == 0 {
			return nil, errors.New("agent.executor.command is required for the command executor")
		}
		return &worker.CommandExecutor{
			Command: ec.Command,
			WorkDir: ec.WorkDir,
			Timeout: ec.Timeout,
			Logger:  logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown executor kind %q", ec.Kind)
	}
}
