package config

import (
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig contains all configuration for the worker service.
type WorkerConfig struct {
	Worker      WorkerSettings        `mapstructure:"worker"`
	Coordinator CoordinatorConnConfig `mapstructure:"coordinator"`
	Logging     LoggingConfig         `mapstructure:"logging"`
}

// WorkerSettings controls what a worker runs and how often it talks to the
// ledger.
type WorkerSettings struct {
	// Address is advertised to the coordinator on registration.
	Address string `mapstructure:"address"`
	Profile string `mapstructure:"profile"`
	// RootPath must point at the same shared directory as the ledger's.
	RootPath         string        `mapstructure:"root_path"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxPollInterval  time.Duration `mapstructure:"max_poll_interval"`
}

// CoordinatorConnConfig contains coordinator connection configuration.
type CoordinatorConnConfig struct {
	Addr string           `mapstructure:"addr"`
	GRPC WorkerGRPCConfig `mapstructure:"grpc"`
}

// WorkerGRPCConfig contains worker gRPC client configuration.
type WorkerGRPCConfig struct {
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
}

// LoadWorker loads the worker configuration from the given path.
// If configPath is empty, it looks for worker.yaml in the config/ directory.
// Environment variables with GOBATCH_WORKER_ prefix override config file values.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()

	v.SetDefault("worker.address", "")
	v.SetDefault("worker.profile", "default")
	v.SetDefault("worker.root_path", DefaultRootPath)
	v.SetDefault("worker.progress_interval", 2*time.Second)
	v.SetDefault("worker.poll_interval", 200*time.Millisecond)
	v.SetDefault("worker.max_poll_interval", 5*time.Second)
	v.SetDefault("coordinator.addr", "localhost:9090")
	v.SetDefault("coordinator.grpc.keepalive_time", 30*time.Second)
	v.SetDefault("coordinator.grpc.keepalive_timeout", 5*time.Second)
	setLoggingDefaults(v)

	var cfg WorkerConfig
	if err := load(v, "worker", "GOBATCH_WORKER", configPath, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
