// Package config loads trainfleet settings from a YAML file and TRAINFLEET_*
// environment variables on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ChuLiYu/trainfleet/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g.
// TRAINFLEET_COORDINATOR_MAX_ATTEMPTS.
const EnvPrefix = "TRAINFLEET"

// Config is the root of the configuration tree.
type Config struct {
	Log         logging.Config    `mapstructure:"log"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Agent       AgentConfig       `mapstructure:"agent"`
}

// CoordinatorConfig holds the coordinator's API, liveness and persistence settings.
type CoordinatorConfig struct {
	Listen           string        `mapstructure:"listen"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	OfflineRetention time.Duration `mapstructure:"offline_retention"`
	SnapshotPath     string        `mapstructure:"snapshot_path"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	ResultsLog       string        `mapstructure:"results_log"`
	JobsFile         string        `mapstructure:"jobs_file"`
	ProbeOnStart     bool          `mapstructure:"probe_on_start"`
}

// MetricsConfig controls the operator HTTP endpoint (/metrics, /status).
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// DiscoveryConfig holds the UDP broadcast parameters shared by both sides.
type DiscoveryConfig struct {
	Port          int           `mapstructure:"port"`
	BroadcastAddr string        `mapstructure:"broadcast_addr"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ListenTimeout time.Duration `mapstructure:"listen_timeout"`
}

// AgentConfig holds the worker agent settings.
type AgentConfig struct {
	// Coordinator is the API address used when discovery finds nothing.
	Coordinator  string            `mapstructure:"coordinator"`
	Hostname     string            `mapstructure:"hostname"`
	Capabilities map[string]string `mapstructure:"capabilities"`
	Respond      bool              `mapstructure:"respond"`

	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	RPCTimeout             time.Duration `mapstructure:"rpc_timeout"`
	RegisterBackoffInitial time.Duration `mapstructure:"register_backoff_initial"`
	RegisterBackoffMax     time.Duration `mapstructure:"register_backoff_max"`
	RegisterAttempts       int           `mapstructure:"register_attempts"`
	AutonomousInterval     time.Duration `mapstructure:"autonomous_interval"`
	LocalLog               string        `mapstructure:"local_log"`

	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`

	Executor   ExecutorConfig         `mapstructure:"executor"`
	DefaultJob map[string]interface{} `mapstructure:"default_job"`
}

// ExecutorConfig selects and parameterises the job executor.
type ExecutorConfig struct {
	Kind        string        `mapstructure:"kind"` // command | simulated
	Command     []string      `mapstructure:"command"`
	WorkDir     string        `mapstructure:"work_dir"`
	Timeout     time.Duration `mapstructure:"timeout"`
	FailureRate float64       `mapstructure:"failure_rate"`
	MinDuration time.Duration `mapstructure:"min_duration"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: logging.Config{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Coordinator: CoordinatorConfig{
			Listen:           ":50051",
			HeartbeatTimeout: 90 * time.Second,
			MonitorInterval:  10 * time.Second,
			MaxAttempts:      3,
			OfflineRetention: time.Hour,
			SnapshotPath:     "data/coordinator.snapshot",
			SnapshotInterval: 30 * time.Second,
			ResultsLog:       "data/results.log",
			ProbeOnStart:     true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		Discovery: DiscoveryConfig{
			Port:          5001,
			BroadcastAddr: "255.255.255.255",
			ProbeTimeout:  2 * time.Second,
			ListenTimeout: 5 * time.Second,
		},
		Agent: AgentConfig{
			Respond:                true,
			HeartbeatInterval:      30 * time.Second,
			PollInterval:           30 * time.Second,
			RPCTimeout:             5 * time.Second,
			RegisterBackoffInitial: time.Second,
			RegisterBackoffMax:     60 * time.Second,
			RegisterAttempts:       5,
			AutonomousInterval:     5 * time.Minute,
			LocalLog:               "data/agent-results.log",
			BreakerFailures:        5,
			BreakerTimeout:         30 * time.Second,
			Executor: ExecutorConfig{
				Kind:        "command",
				MinDuration: time.Second,
				MaxDuration: 5 * time.Second,
			},
		},
	}
}

// Load reads path (optional) and the environment onto Default().
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("coordinator.listen", d.Coordinator.Listen)
	v.SetDefault("coordinator.heartbeat_timeout", d.Coordinator.HeartbeatTimeout)
	v.SetDefault("coordinator.monitor_interval", d.Coordinator.MonitorInterval)
	v.SetDefault("coordinator.max_attempts", d.Coordinator.MaxAttempts)
	v.SetDefault("coordinator.offline_retention", d.Coordinator.OfflineRetention)
	v.SetDefault("coordinator.snapshot_path", d.Coordinator.SnapshotPath)
	v.SetDefault("coordinator.snapshot_interval", d.Coordinator.SnapshotInterval)
	v.SetDefault("coordinator.results_log", d.Coordinator.ResultsLog)
	v.SetDefault("coordinator.jobs_file", d.Coordinator.JobsFile)
	v.SetDefault("coordinator.probe_on_start", d.Coordinator.ProbeOnStart)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)

	v.SetDefault("discovery.port", d.Discovery.Port)
	v.SetDefault("discovery.broadcast_addr", d.Discovery.BroadcastAddr)
	v.SetDefault("discovery.probe_timeout", d.Discovery.ProbeTimeout)
	v.SetDefault("discovery.listen_timeout", d.Discovery.ListenTimeout)

	v.SetDefault("agent.coordinator", d.Agent.Coordinator)
	v.SetDefault("agent.hostname", d.Agent.Hostname)
	v.SetDefault("agent.respond", d.Agent.Respond)
	v.SetDefault("agent.heartbeat_interval", d.Agent.HeartbeatInterval)
	v.SetDefault("agent.poll_interval", d.Agent.PollInterval)
	v.SetDefault("agent.rpc_timeout", d.Agent.RPCTimeout)
	v.SetDefault("agent.register_backoff_initial", d.Agent.RegisterBackoffInitial)
	v.SetDefault("agent.register_backoff_max", d.Agent.RegisterBackoffMax)
	v.SetDefault("agent.register_attempts", d.Agent.RegisterAttempts)
	v.SetDefault("agent.autonomous_interval", d.Agent.AutonomousInterval)
	v.SetDefault("agent.local_log", d.Agent.LocalLog)
	v.SetDefault("agent.breaker_failures", d.Agent.BreakerFailures)
	v.SetDefault("agent.breaker_timeout", d.Agent.BreakerTimeout)
	v.SetDefault("agent.executor.kind", d.Agent.Executor.Kind)
	v.SetDefault("agent.executor.work_dir", d.Agent.Executor.WorkDir)
	v.SetDefault("agent.executor.timeout", d.Agent.Executor.Timeout)
	v.SetDefault("agent.executor.failure_rate", d.Agent.Executor.FailureRate)
	v.SetDefault("agent.executor.min_duration", d.Agent.Executor.MinDuration)
	v.SetDefault("agent.executor.max_duration", d.Agent.Executor.MaxDuration)
}

// MinMissedHeartbeats is the smallest heartbeat_timeout / heartbeat_interval
// ratio Validate accepts.
const MinMissedHeartbeats = 3

// Validate rejects values the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Coordinator.MaxAttempts < 1 {
		errs = append(errs, errors.New("coordinator.max_attempts must be at least 1"))
	}
	if c.Coordinator.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("coordinator.heartbeat_timeout must be positive"))
	}
	if c.Coordinator.MonitorInterval <= 0 {
		errs = append(errs, errors.New("coordinator.monitor_interval must be positive"))
	}
	if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
		errs = append(errs, fmt.Errorf("discovery.port %d out of range", c.Discovery.Port))
	}
	if c.Agent.RegisterAttempts < 0 {
		errs = append(errs, errors.New("agent.register_attempts must not be negative"))
	}
	if c.Agent.HeartbeatInterval <= 0 || c.Agent.PollInterval <= 0 || c.Agent.RPCTimeout <= 0 {
		errs = append(errs, errors.New("agent intervals must be positive"))
	}
	// a worker is evicted only after it has missed MinMissedHeartbeats in a row
	if c.Coordinator.HeartbeatTimeout > 0 && c.Agent.HeartbeatInterval > 0 &&
		c.Coordinator.HeartbeatTimeout < MinMissedHeartbeats*c.Agent.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("coordinator.heartbeat_timeout %s must be at least %d x agent.heartbeat_interval (%s)",
			c.Coordinator.HeartbeatTimeout, MinMissedHeartbeats, c.Agent.HeartbeatInterval))
	}
	switch c.Agent.Executor.Kind {
	case "command", "simulated":
	default:
		errs = append(errs, fmt.Errorf("agent.executor.kind %q is not command or simulated", c.Agent.Executor.Kind))
	}
	if r := c.Agent.Executor.FailureRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("agent.executor.failure_rate %v outside [0,1]", r))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
