package config

import (
	"time"
)

type Config struct {
	Version       int           `toml:"version"`
	Paths         Paths         `toml:"paths"`
	DB            Database      `toml:"db"`
	Domains       []string      `toml:"domains"`
	Retention     Retention     `toml:"retention"`
	Observability Observability `toml:"observability"`
	Watch         Watch         `toml:"watch"`
	Dashboard     Dashboard     `toml:"dashboard"`
}

type Paths struct {
	// StateDir anchors relative database paths.
	StateDir string `toml:"state_dir"`
}

type Database struct {
	Path string `toml:"path"`
	// TargetVersion pins the schema version the store is upgraded to on
	// open. Zero means the latest shipped version.
	TargetVersion int           `toml:"target_version"`
	BusyTimeout   time.Duration `toml:"busy_timeout"`
}

type Retention struct {
	Enabled bool `toml:"enabled"`
	// MaxAge is how long score records and terminal sessions are kept.
	MaxAge time.Duration `toml:"max_age"`
	// Domains are glob patterns; only matching domains are pruned. Empty
	// means every domain.
	Domains       []string      `toml:"domains"`
	StaleAfter    time.Duration `toml:"stale_after"`
	SweepInterval time.Duration `toml:"sweep_interval"`
	// RatePerSecond paces deletes; zero means unpaced.
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

type Observability struct {
	Enabled       bool   `toml:"enabled"`
	Port          int    `toml:"port"`
	OTLPEndpoint  string `toml:"otlp_endpoint"`
	EnableTracing bool   `toml:"enable_tracing"`
	EnableMetrics bool   `toml:"enable_metrics"`
}

type Watch struct {
	Debounce time.Duration `toml:"debounce"`
}

type Dashboard struct {
	Refresh time.Duration `toml:"refresh"`
}
