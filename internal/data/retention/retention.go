// Package retention is the maintenance side of the history store: it prunes
// old score records for configured domain patterns and fails crawl sessions
// that were abandoned mid-flight. Deletes are paced through a token bucket so
// a large sweep never starves foreground writes.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gobwas/glob"

	"sitepulse/internal/data/history"
	"sitepulse/internal/shared/observability"
	"sitepulse/internal/shared/util"
)

type Policy struct {
	// MaxAge is how long score records are kept. Zero disables pruning.
	MaxAge time.Duration
	// Domains restricts pruning to matching domains. Empty means all.
	Domains []string
	// StaleAfter is how long a pending/running session may sit before the
	// janitor marks it failed. Zero disables the janitor.
	StaleAfter time.Duration
}

type Sweeper struct {
	service  *history.Service
	policy   Policy
	patterns []glob.Glob
	limiter  *util.Limiter
	now      func() time.Time
}

func NewSweeper(service *history.Service, policy Policy, limiter *util.Limiter) (*Sweeper, error) {
	patterns := make([]glob.Glob, 0, len(policy.Domains))
	for _, p := range policy.Domains {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile retention pattern %q: %w", p, err)
		}
		patterns = append(patterns, g)
	}
	if limiter == nil {
		limiter = util.Unlimited()
	}
	return &Sweeper{
		service:  service,
		policy:   policy,
		patterns: patterns,
		limiter:  limiter,
		now:      time.Now,
	}, nil
}

// WithClock overrides the cutoff clock for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

func (s *Sweeper) matches(domain string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, g := range s.patterns {
		if g.Match(domain) {
			return true
		}
	}
	return false
}

// SweepScores deletes score records older than MaxAge for matching domains
// and returns how many were removed.
func (s *Sweeper) SweepScores(ctx context.Context) (int, error) {
	if s.policy.MaxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.policy.MaxAge)
	records, err := s.service.ScoresBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, rec := range records {
		if !s.matches(rec.Domain) {
			continue
		}
		if err := s.limiter.Wait(ctx, 1); err != nil {
			return pruned, err
		}
		if err := s.service.DeleteScore(ctx, rec.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		observability.RetentionPrunedTotal.Add(float64(pruned))
	}
	return pruned, nil
}

// SweepSessions removes terminal sessions older than MaxAge and marks
// non-terminal ones older than StaleAfter as failed. Returns (removed,
// failed).
func (s *Sweeper) SweepSessions(ctx context.Context) (int, int, error) {
	removed := 0
	failed := 0

	if s.policy.StaleAfter > 0 {
		staleCutoff := s.now().Add(-s.policy.StaleAfter)
		stale, err := s.service.SessionsBefore(ctx, staleCutoff)
		if err != nil {
			return removed, failed, err
		}
		for _, sess := range stale {
			if sess.Status.Terminal() || !s.matches(sess.Domain) {
				continue
			}
			if err := s.limiter.Wait(ctx, 1); err != nil {
				return removed, failed, err
			}
			if _, err := s.service.UpdateCrawlStatus(ctx, sess.ID, history.StatusFailed, map[string]string{
				"reason": "stale session janitor",
			}); err != nil {
				return removed, failed, err
			}
			failed++
		}
		if failed > 0 {
			observability.StaleSessionsFailedTotal.Add(float64(failed))
		}
	}

	if s.policy.MaxAge > 0 {
		cutoff := s.now().Add(-s.policy.MaxAge)
		old, err := s.service.SessionsBefore(ctx, cutoff)
		if err != nil {
			return removed, failed, err
		}
		for _, sess := range old {
			if !sess.Status.Terminal() || !s.matches(sess.Domain) {
				continue
			}
			if err := s.limiter.Wait(ctx, 1); err != nil {
				return removed, failed, err
			}
			if err := s.service.DeleteSession(ctx, sess.ID); err != nil {
				return removed, failed, err
			}
			removed++
		}
	}

	return removed, failed, nil
}

// SweepOnce runs one full pass over scores and sessions, logging totals.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	pruned, err := s.SweepScores(ctx)
	if err != nil {
		slog.Warn("retention score sweep failed", "error", err)
	}
	removed, failedCount, err := s.SweepSessions(ctx)
	if err != nil {
		slog.Warn("retention session sweep failed", "error", err)
	}
	if pruned > 0 || removed > 0 || failedCount > 0 {
		slog.Info("retention sweep finished",
			"scores_pruned", pruned,
			"sessions_removed", removed,
			"sessions_failed", failedCount)
	}
}

// Run sweeps on the given interval until the context ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
