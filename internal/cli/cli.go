// ============================================================================
// trainfleet CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the coordinator, the worker agent and the
//          operator tools.
//
// Command Structure:
//   trainfleet                       # Root command
//   ├── coordinator                  # Run the coordinator (gRPC + /metrics + /status)
//   ├── agent                        # Run a worker agent on this machine
//   ├── enqueue -f jobs.yaml         # Submit jobs (explicit list and/or sweep)
//   ├── status                       # Workers and queue counters
//   ├── results                      # Completed attempts, live or from results.log
//   ├── discover                     # Broadcast a probe and list answering agents
//   ├── --config, -c                 # Config file (default configs/default.yaml)
//   └── --version
//
// Configuration:
//   YAML file loaded through viper; every key may be overridden by
//   TRAINFLEET_<SECTION>_<KEY> environment variables and by command flags.
//   A missing default config file is not an error, built-in defaults apply.
//
// Signal Handling:
//   coordinator and agent stop on SIGINT / SIGTERM:
//   1. Stop accepting RPCs (coordinator) or cancel the state machine (agent)
//   2. Write the final snapshot and close the results log
//   3. Flush and close the log file
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	fleetv1 "github.com/ChuLiYu/trainfleet/api/fleet/v1"
	"github.com/ChuLiYu/trainfleet/internal/config"
	"github.com/ChuLiYu/trainfleet/internal/logging"
)

// Version is the CLI version string.
const Version = "1.0.0"

// DefaultConfigPath is the --config default.
const DefaultConfigPath = "configs/default.yaml"

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trainfleet",
		Short: "trainfleet: distributed training job orchestration",
		Long: `trainfleet distributes training jobs from one coordinator to a fleet
of worker machines:
- UDP broadcast discovery on the local network
- heartbeat liveness with automatic job reassignment
- FIFO dispatch with a per-job retry limit
- autonomous local training when the coordinator is unreachable`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")

	rootCmd.AddCommand(buildCoordinatorCommand())
	rootCmd.AddCommand(buildAgentCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildResultsCommand())
	rootCmd.AddCommand(buildDiscoverCommand())

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// loadConfig reads configFile. The default path may be absent.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the configured logger as the slog default.
func setupLogging(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return logger, closer, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// dial opens a client connection to the coordinator API.
func dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator %s: %w", addr, err)
	}
	return conn, nil
}

// coordinatorAddr resolves the API address for operator commands:
// --coordinator, then agent.coordinator from config, then localhost.
func coordinatorAddr(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}
	if cfg.Agent.Coordinator != "" {
		return cfg.Agent.Coordinator
	}
	return "localhost:50051"
}

// withClient dials addr and runs fn with a bounded context.
func withClient(ctx context.Context, addr string, timeout time.Duration, fn func(ctx context.Context, client fleetv1.CoordinatorClient) error) error {
	conn, err := dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx, fleetv1.NewCoordinatorClient(conn))
}
