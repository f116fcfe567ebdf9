package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
)

// CoordinatorConfig contains all configuration for the coordinator service.
type CoordinatorConfig struct {
	REST    RESTConfig    `mapstructure:"rest"`
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	Health  HealthConfig  `mapstructure:"health"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RESTConfig contains REST API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// GRPCConfig contains gRPC server configuration.
type GRPCConfig struct {
	Addr              string        `mapstructure:"addr"`
	EnableReflection  bool          `mapstructure:"enable_reflection"`
	KeepaliveMinTime  time.Duration `mapstructure:"keepalive_min_time"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// HealthConfig contains worker health checking configuration.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
}

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// LedgerConfig selects the task store and the ledger policies.
type LedgerConfig struct {
	Backend string `mapstructure:"backend"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN           string           `mapstructure:"dsn"`
	RootPath      string           `mapstructure:"root_path"`
	LeaseDuration time.Duration    `mapstructure:"lease_duration"`
	Retry         core.RetryPolicy `mapstructure:"retry"`
}

func (c LedgerConfig) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("ledger backend %s requires a dsn", c.Backend)
		}
	default:
		return fmt.Errorf("unknown ledger backend: %q", c.Backend)
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("ledger lease duration must be positive")
	}
	return nil
}

func setLedgerDefaults(v *viper.Viper, prefix string) {
	retry := core.DefaultRetryPolicy()
	v.SetDefault(prefix+".backend", BackendMemory)
	v.SetDefault(prefix+".dsn", "")
	v.SetDefault(prefix+".root_path", DefaultRootPath)
	v.SetDefault(prefix+".lease_duration", 2*time.Minute)
	v.SetDefault(prefix+".retry.attempts", retry.Attempts)
	v.SetDefault(prefix+".retry.initial_backoff", retry.InitialBackoff)
	v.SetDefault(prefix+".retry.max_backoff", retry.MaxBackoff)
}

// LoadCoordinator loads the coordinator configuration from the given path.
// If configPath is empty, it looks for coordinator.yaml in the config/ directory.
// Environment variables with GOBATCH_COORDINATOR_ prefix override config file values.
func LoadCoordinator(configPath string) (*CoordinatorConfig, error) {
	v := viper.New()

	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("rest.max_body_bytes", 1<<20)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("grpc.enable_reflection", true)
	v.SetDefault("grpc.keepalive_min_time", 30*time.Second)
	v.SetDefault("grpc.heartbeat_interval", 15*time.Second)
	v.SetDefault("health.check_interval", 5*time.Second)
	v.SetDefault("health.stale_timeout", 45*time.Second)
	setLedgerDefaults(v, "ledger")
	setLoggingDefaults(v)

	var cfg CoordinatorConfig
	if err := load(v, "coordinator", "GOBATCH_COORDINATOR", configPath, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Ledger.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
