package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Pattern: SITEPULSE_[SECTION]_[KEY]
// (e.g., SITEPULSE_DB_PATH).
func ApplyEnvOverrides(cfg *Config) {
	// Paths
	setEnvString(&cfg.Paths.StateDir, "SITEPULSE_PATHS_STATE_DIR")

	// Database
	setEnvString(&cfg.DB.Path, "SITEPULSE_DB_PATH")
	setEnvInt(&cfg.DB.TargetVersion, "SITEPULSE_DB_TARGET_VERSION")
	setEnvDuration(&cfg.DB.BusyTimeout, "SITEPULSE_DB_BUSY_TIMEOUT")

	// Retention
	setEnvBool(&cfg.Retention.Enabled, "SITEPULSE_RETENTION_ENABLED")
	setEnvDuration(&cfg.Retention.MaxAge, "SITEPULSE_RETENTION_MAX_AGE")
	setEnvDuration(&cfg.Retention.StaleAfter, "SITEPULSE_RETENTION_STALE_AFTER")
	setEnvDuration(&cfg.Retention.SweepInterval, "SITEPULSE_RETENTION_SWEEP_INTERVAL")
	setEnvFloat64(&cfg.Retention.RatePerSecond, "SITEPULSE_RETENTION_RATE_PER_SECOND")
	setEnvInt(&cfg.Retention.Burst, "SITEPULSE_RETENTION_BURST")

	// Observability
	setEnvBool(&cfg.Observability.Enabled, "SITEPULSE_OBSERVABILITY_ENABLED")
	setEnvInt(&cfg.Observability.Port, "SITEPULSE_OBSERVABILITY_PORT")
	setEnvString(&cfg.Observability.OTLPEndpoint, "SITEPULSE_OBSERVABILITY_OTLP_ENDPOINT")
	setEnvBool(&cfg.Observability.EnableTracing, "SITEPULSE_OBSERVABILITY_ENABLE_TRACING")
	setEnvBool(&cfg.Observability.EnableMetrics, "SITEPULSE_OBSERVABILITY_ENABLE_METRICS")

	// Watch / dashboard
	setEnvDuration(&cfg.Watch.Debounce, "SITEPULSE_WATCH_DEBOUNCE")
	setEnvDuration(&cfg.Dashboard.Refresh, "SITEPULSE_DASHBOARD_REFRESH")
}

func setEnvString(target *string, key string) {
	if val, ok := os.LookupEnv(key); ok {
		log.Printf("Applying env override: %s=%s", key, val)
		*target = val
	}
}

func setEnvBool(target *bool, key string) {
	if val, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			log.Printf("Ignoring env override %s: %v", key, err)
			return
		}
		log.Printf("Applying env override: %s=%v", key, parsed)
		*target = parsed
	}
}

func setEnvInt(target *int, key string) {
	if val, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Printf("Ignoring env override %s: %v", key, err)
			return
		}
		log.Printf("Applying env override: %s=%d", key, parsed)
		*target = parsed
	}
}

func setEnvFloat64(target *float64, key string) {
	if val, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Printf("Ignoring env override %s: %v", key, err)
			return
		}
		log.Printf("Applying env override: %s=%g", key, parsed)
		*target = parsed
	}
}

func setEnvDuration(target *time.Duration, key string) {
	if val, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("Ignoring env override %s: %v", key, err)
			return
		}
		log.Printf("Applying env override: %s=%s", key, parsed)
		*target = parsed
	}
}
