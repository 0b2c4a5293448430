package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gobwas/glob"
)

const supportedConfigVersion = 1

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	ApplyEnvOverrides(&cfg)

	if err := validateVersion(&cfg); err != nil {
		return nil, err
	}
	if err := validateDatabase(&cfg); err != nil {
		return nil, err
	}
	if err := validateDomains(&cfg); err != nil {
		return nil, err
	}
	if err := validateRetention(&cfg); err != nil {
		return nil, err
	}
	if err := validateObservability(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultConfig returns a config equivalent to loading an empty file: all
// defaults applied, no domains, retention and observability disabled.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}

	if strings.TrimSpace(cfg.Paths.StateDir) == "" {
		cfg.Paths.StateDir = "."
	}

	if strings.TrimSpace(cfg.DB.Path) == "" {
		cfg.DB.Path = "audit-history.db"
	}
	if cfg.DB.BusyTimeout <= 0 {
		cfg.DB.BusyTimeout = 5 * time.Second
	}

	if cfg.Retention.SweepInterval <= 0 {
		cfg.Retention.SweepInterval = time.Hour
	}
	if cfg.Retention.Enabled && cfg.Retention.MaxAge <= 0 {
		cfg.Retention.MaxAge = 90 * 24 * time.Hour
	}
	if cfg.Retention.RatePerSecond > 0 && cfg.Retention.Burst <= 0 {
		cfg.Retention.Burst = 10
	}

	if cfg.Observability.Port == 0 {
		cfg.Observability.Port = 9090
	}
	if strings.TrimSpace(cfg.Observability.OTLPEndpoint) == "" {
		cfg.Observability.OTLPEndpoint = "127.0.0.1:4317"
	}
	if cfg.Observability.Enabled && !cfg.Observability.EnableMetrics && !cfg.Observability.EnableTracing {
		cfg.Observability.EnableMetrics = true
	}

	if cfg.Watch.Debounce <= 0 {
		cfg.Watch.Debounce = 100 * time.Millisecond
	}
	if cfg.Dashboard.Refresh <= 0 {
		cfg.Dashboard.Refresh = 2 * time.Second
	}
}

func validateVersion(cfg *Config) error {
	if cfg.Version != supportedConfigVersion {
		return fmt.Errorf("unsupported config version %d (supported: %d)", cfg.Version, supportedConfigVersion)
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	if strings.TrimSpace(cfg.DB.Path) == "" {
		return fmt.Errorf("db.path must not be empty")
	}
	if cfg.DB.TargetVersion < 0 {
		return fmt.Errorf("db.target_version must not be negative")
	}
	return nil
}

func validateDomains(cfg *Config) error {
	for i, d := range cfg.Domains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("domains[%d] must not be empty", i)
		}
	}
	return nil
}

func validateRetention(cfg *Config) error {
	if !cfg.Retention.Enabled {
		return nil
	}
	if cfg.Retention.MaxAge <= 0 {
		return fmt.Errorf("retention.max_age must be positive when retention is enabled")
	}
	if cfg.Retention.RatePerSecond < 0 {
		return fmt.Errorf("retention.rate_per_second must not be negative")
	}
	for _, p := range cfg.Retention.Domains {
		if _, err := glob.Compile(p); err != nil {
			return fmt.Errorf("retention.domains pattern %q: %w", p, err)
		}
	}
	return nil
}

func validateObservability(cfg *Config) error {
	if cfg.Observability.Port < 0 || cfg.Observability.Port > 65535 {
		return fmt.Errorf("observability.port %d out of range", cfg.Observability.Port)
	}
	if cfg.Observability.Enabled && cfg.Observability.EnableTracing && strings.TrimSpace(cfg.Observability.OTLPEndpoint) == "" {
		return fmt.Errorf("observability.otlp_endpoint required when tracing is enabled")
	}
	return nil
}
