// Package config loads the immutable job configuration every component
// receives. Shell-level environment variables are folded in here once, at
// startup; nothing downstream reads ambient global state.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pdbench/pdbench/internal/plan"
)

// Config holds all orchestration configuration for one job.
type Config struct {
	Job      JobConfig      `mapstructure:"job"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Bench    BenchConfig    `mapstructure:"bench"`
	Coord    CoordConfig    `mapstructure:"coord"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// JobConfig identifies the job and its output locations.
type JobConfig struct {
	ID          string        `mapstructure:"id"`
	LogDir      string        `mapstructure:"log_dir"`
	GracePeriod time.Duration `mapstructure:"grace_period"` // SIGTERM -> SIGKILL window
}

// ClusterConfig is the xP yD request plus the scheduler-provided node list.
type ClusterConfig struct {
	PrefillNodes      int    `mapstructure:"prefill_nodes"`
	DecodeNodes       int    `mapstructure:"decode_nodes"`
	WorkersPerPrefill int    `mapstructure:"workers_per_prefill"`
	WorkersPerDecode  int    `mapstructure:"workers_per_decode"`
	TensorParallel    int    `mapstructure:"tensor_parallel"`
	ExpertParallel    bool   `mapstructure:"expert_parallel"`
	DataParallel      bool   `mapstructure:"data_parallel"`
	ModelName         string `mapstructure:"model_name"`
	ModelPath         string `mapstructure:"model_path"`
	NodeList          string `mapstructure:"node_list"` // comma-separated, scheduler order
	NodeID            string `mapstructure:"node_id"`   // defaults to hostname
}

// EngineConfig describes the external serving framework. The engine itself
// (model loading, kernels, KV transfer) is an external collaborator; we only
// need enough to spawn it and find its sockets.
type EngineConfig struct {
	LaunchCommand string `mapstructure:"launch_command"` // worker launcher executable
	RouterCommand string `mapstructure:"router_command"` // router executable
	Image         string `mapstructure:"image"`          // container identity, opaque
	RouterPort    int    `mapstructure:"router_port"`
	WorkerBase    int    `mapstructure:"worker_base_port"` // worker ports: base + slot
}

// BenchConfig configures the concurrency sweep issued by the driver adapter.
type BenchConfig struct {
	GeneratorCommand string `mapstructure:"generator_command"`
	Concurrencies    []int  `mapstructure:"concurrencies"`
	InputLen         int    `mapstructure:"input_len"`
	OutputLen        int    `mapstructure:"output_len"`
	RequestRate      string `mapstructure:"request_rate"` // numeric or "inf"
	SummaryPath      string `mapstructure:"summary_path"`
	CSVPath          string `mapstructure:"csv_path"`
}

// CoordConfig locates the shared readiness medium.
type CoordConfig struct {
	Dir          string        `mapstructure:"dir"` // shared filesystem directory
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
}

// ServerConfig holds the report/status HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds the results archive location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load reads configuration from an optional file plus the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Cluster.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("node_id not set and hostname unavailable: %w", err)
		}
		cfg.Cluster.NodeID = host
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job.log_dir", "./logs")
	v.SetDefault("job.grace_period", 15*time.Second)

	v.SetDefault("cluster.prefill_nodes", 1)
	v.SetDefault("cluster.decode_nodes", 1)
	v.SetDefault("cluster.workers_per_prefill", 1)
	v.SetDefault("cluster.workers_per_decode", 1)
	v.SetDefault("cluster.tensor_parallel", 8)

	v.SetDefault("engine.launch_command", "sglang-launch-server")
	v.SetDefault("engine.router_command", "sglang-router")
	v.SetDefault("engine.router_port", 8000)
	v.SetDefault("engine.worker_base_port", 30000)

	v.SetDefault("bench.generator_command", "sglang-bench-serving")
	v.SetDefault("bench.concurrencies", []int{64, 256, 1024, 2048})
	v.SetDefault("bench.input_len", 1024)
	v.SetDefault("bench.output_len", 1024)
	v.SetDefault("bench.request_rate", "inf")

	v.SetDefault("coord.dir", "./coord")
	v.SetDefault("coord.poll_interval", 2*time.Second)
	v.SetDefault("coord.wait_timeout", 20*time.Minute)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.path", "./data/pdbench.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	bindEnv("job.id", "PDBENCH_JOB_ID")
	bindEnv("job.log_dir", "PDBENCH_LOG_DIR")

	bindEnv("cluster.node_list", "PDBENCH_NODE_LIST")
	bindEnv("cluster.node_id", "PDBENCH_NODE_ID")
	bindEnv("cluster.prefill_nodes", "PDBENCH_PREFILL_NODES")
	bindEnv("cluster.decode_nodes", "PDBENCH_DECODE_NODES")
	bindEnv("cluster.model_name", "PDBENCH_MODEL_NAME")
	bindEnv("cluster.model_path", "PDBENCH_MODEL_PATH")

	bindEnv("coord.dir", "PDBENCH_COORD_DIR")
	bindEnv("database.path", "DATABASE_PATH")

	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Nodes returns the scheduler-provided node list, order preserved.
func (c *Config) Nodes() []string {
	if strings.TrimSpace(c.Cluster.NodeList) == "" {
		return nil
	}
	parts := strings.Split(c.Cluster.NodeList, ",")
	nodes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nodes = append(nodes, p)
		}
	}
	return nodes
}

// Request builds the planner request from the cluster section.
func (c *Config) Request() plan.ClusterRequest {
	return plan.ClusterRequest{
		PrefillNodes:       c.Cluster.PrefillNodes,
		DecodeNodes:        c.Cluster.DecodeNodes,
		WorkersPerPrefill:  c.Cluster.WorkersPerPrefill,
		WorkersPerDecode:   c.Cluster.WorkersPerDecode,
		TensorParallelSize: c.Cluster.TensorParallel,
		ExpertParallel:     c.Cluster.ExpertParallel,
		DataParallel:       c.Cluster.DataParallel,
		ModelName:          c.Cluster.ModelName,
		ModelPath:          c.Cluster.ModelPath,
	}
}

// Validate checks that the configuration describes a runnable job.
func (c *Config) Validate() error {
	if c.Job.ID == "" {
		return fmt.Errorf("job.id is required")
	}
	if err := c.Request().Validate(); err != nil {
		return err
	}
	if len(c.Nodes()) == 0 {
		return fmt.Errorf("cluster.node_list is required")
	}
	if c.Coord.Dir == "" {
		return fmt.Errorf("coord.dir is required")
	}
	if len(c.Bench.Concurrencies) == 0 {
		return fmt.Errorf("bench.concurrencies must not be empty")
	}
	if !sort.IntsAreSorted(c.Bench.Concurrencies) {
		return fmt.Errorf("bench.concurrencies must be ascending")
	}
	if c.Bench.RequestRate != "inf" {
		if _, err := strconv.ParseFloat(c.Bench.RequestRate, 64); err != nil {
			return fmt.Errorf("bench.request_rate must be numeric or \"inf\", got %q", c.Bench.RequestRate)
		}
	}
	return nil
}
