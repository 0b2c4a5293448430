package ports

import (
	"context"
	"time"

	"sitepulse/internal/data/history"
)

// ScoreHistory is the domain API the CLI and dashboard consume. The concrete
// implementation lives in internal/data/history.
type ScoreHistory interface {
	RecordScore(ctx context.Context, domain string, scores map[string]float64, metadata map[string]string) (history.ScoreRecord, error)
	HistoryFor(ctx context.Context, domain string, from, to time.Time) ([]history.ScoreRecord, error)
	LatestFor(ctx context.Context, domain string) (history.ScoreRecord, error)

	StartCrawlSession(ctx context.Context, domain string) (history.CrawlSession, error)
	UpdateCrawlStatus(ctx context.Context, id string, status history.Status, result map[string]string) (history.CrawlSession, error)
	SessionsFor(ctx context.Context, domain string) ([]history.CrawlSession, error)
	SessionByID(ctx context.Context, id string) (history.CrawlSession, error)
}

// Maintenance abstracts the retention sweeper for on-demand sweeps.
type Maintenance interface {
	SweepScores(ctx context.Context) (int, error)
	SweepSessions(ctx context.Context) (int, int, error)
}

// HealthChecker reports component health for the /health endpoint.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

type HealthStatus struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components"`
}
