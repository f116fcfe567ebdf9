package config

import (
	"runtime"

	"github.com/spf13/viper"
)

// LocalConfig configures the single-process engine.
type LocalConfig struct {
	Workers int           `mapstructure:"workers"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// LoadLocal loads the local engine configuration. Environment variables with
// GOBATCH_LOCAL_ prefix override config file values.
func LoadLocal(configPath string) (*LocalConfig, error) {
	v := viper.New()

	v.SetDefault("workers", runtime.NumCPU())
	setLedgerDefaults(v, "ledger")
	setLoggingDefaults(v)
	v.SetDefault("logging.format", "text")

	var cfg LocalConfig
	if err := load(v, "local", "GOBATCH_LOCAL", configPath, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Ledger.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
