package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"sitepulse/internal/core/config"
	"sitepulse/internal/core/ports"
	"sitepulse/internal/data/catalog"
	"sitepulse/internal/data/history"
	"sitepulse/internal/data/retention"
	"sitepulse/internal/data/store"
	"sitepulse/internal/shared/observability"
	"sitepulse/internal/shared/util"
	"sitepulse/internal/shared/version"
	"sitepulse/internal/ui/cli"
)

var (
	_ ports.ScoreHistory = (*history.Service)(nil)
	_ ports.Maintenance  = (*retention.Sweeper)(nil)
)

type App struct {
	Config  *config.Config
	Store   *store.Store
	History *history.Service

	// mu guards the state the config watcher replaces at runtime. The
	// dashboard ticker and the retention loop read through the accessors.
	mu      sync.RWMutex
	sweeper *retention.Sweeper
	domains []string

	obsServer     *cli.ObservabilityServer
	traceShutdown func(context.Context) error
	watcher       *config.Watcher
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	dbPath := cfg.DB.Path
	if !filepath.IsAbs(dbPath) && cfg.Paths.StateDir != "" {
		dbPath = filepath.Join(cfg.Paths.StateDir, dbPath)
	}

	st, err := store.Open(ctx, dbPath, store.Options{
		TargetVersion: cfg.DB.TargetVersion,
		BusyTimeout:   cfg.DB.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("store open", "path", st.Path(), "schema_version", st.Version())

	svc := history.NewService(st)

	sweeper, err := buildSweeper(svc, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &App{
		Config:  cfg,
		Store:   st,
		History: svc,
		sweeper: sweeper,
		domains: cfg.Domains,
	}, nil
}

func buildSweeper(svc *history.Service, cfg *config.Config) (*retention.Sweeper, error) {
	var limiter *util.Limiter
	if cfg.Retention.RatePerSecond > 0 {
		limiter = util.NewLimiter(cfg.Retention.RatePerSecond, cfg.Retention.Burst)
	}
	return retention.NewSweeper(svc, retention.Policy{
		MaxAge:     cfg.Retention.MaxAge,
		Domains:    cfg.Retention.Domains,
		StaleAfter: cfg.Retention.StaleAfter,
	}, limiter)
}

// Sweeper returns the sweeper built from the most recently accepted config.
func (a *App) Sweeper() *retention.Sweeper {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sweeper
}

// TrackedDomains returns a copy of the currently configured domains.
func (a *App) TrackedDomains() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.domains...)
}

// StartBackground brings up the optional long-running pieces: the metrics
// server, the trace exporter, the retention loop and the config watcher.
// One-shot CLI commands never call this.
func (a *App) StartBackground(ctx context.Context) error {
	obs := a.Config.Observability
	if obs.Enabled && obs.EnableMetrics {
		a.obsServer = cli.NewObservabilityServer(fmt.Sprintf(":%d", obs.Port), &healthService{app: a})
		if err := a.obsServer.Start(ctx); err != nil {
			return err
		}
	}
	if obs.Enabled && obs.EnableTracing {
		shutdown, err := observability.InitTracing(ctx, version.Version, obs.OTLPEndpoint)
		if err != nil {
			return err
		}
		a.traceShutdown = shutdown
	}

	if a.Config.Retention.Enabled {
		go a.runRetention(ctx, a.Config.Retention.SweepInterval)
	}

	return nil
}

// runRetention re-reads the current sweeper on every tick, so a reloaded
// retention policy applies to the running loop. The interval is fixed for the
// process lifetime, like the database path.
func (a *App) runRetention(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweeper().SweepOnce(ctx)
		}
	}
}

// WatchConfig reloads retention policy and tracked domains on config file
// changes. The database path and schema version are fixed for the process
// lifetime; changing them requires a restart.
func (a *App) WatchConfig(ctx context.Context, path string) error {
	a.watcher = config.NewWatcher(path, a.Config.Watch.Debounce, func(cfg *config.Config) {
		slog.Info("config reloaded", "path", path)
		a.applyReload(cfg)
	})
	return a.watcher.Start(ctx)
}

func (a *App) applyReload(cfg *config.Config) {
	sweeper, err := buildSweeper(a.History, cfg)
	if err != nil {
		slog.Warn("rejecting reloaded retention policy", "error", err)
		return
	}
	a.mu.Lock()
	a.sweeper = sweeper
	a.domains = cfg.Domains
	a.mu.Unlock()
}

func (a *App) Close(ctx context.Context) {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.obsServer != nil {
		if err := a.obsServer.Stop(ctx); err != nil {
			slog.Warn("observability server shutdown", "error", err)
		}
	}
	if a.traceShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.traceShutdown(shutdownCtx); err != nil {
			slog.Warn("trace exporter shutdown", "error", err)
		}
	}
	if err := a.Store.Close(); err != nil {
		slog.Warn("store close", "error", err)
	}
}

// healthService reports store reachability for /health.
type healthService struct {
	app *App
}

var _ ports.HealthChecker = (*healthService)(nil)

func (h *healthService) Check(ctx context.Context) ports.HealthStatus {
	status := ports.HealthStatus{
		Status:     "up",
		Version:    version.Version,
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]string),
	}

	status.Components["schema_version"] = fmt.Sprintf("%d", h.app.Store.Version())
	n, err := h.app.Store.Count(ctx, catalog.CollectionScores)
	if err != nil {
		status.Status = "degraded"
		status.Components["store"] = fmt.Sprintf("unreachable: %v", err)
	} else {
		status.Components["store"] = fmt.Sprintf("ok (%d score records)", n)
	}
	return status
}
