package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sitepulse/internal/data/history"
	"sitepulse/internal/data/store"
	"sitepulse/internal/shared/util"
)

type tickClock struct {
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newFixture(t *testing.T) (*history.Service, *tickClock) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := store.Open(context.Background(), path, store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clock := &tickClock{now: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	return history.NewService(s).WithClock(clock.Now), clock
}

func TestSweepScoresPrunesOldMatchingDomains(t *testing.T) {
	ctx := context.Background()
	svc, clock := newFixture(t)

	oldMatch, _ := svc.RecordScore(ctx, "blog.example.com", map[string]float64{"seo": 10}, nil)
	oldOther, _ := svc.RecordScore(ctx, "other.org", map[string]float64{"seo": 20}, nil)

	sweeper, err := NewSweeper(svc, Policy{
		MaxAge:  time.Hour,
		Domains: []string{"*.example.com"},
	}, util.Unlimited())
	if err != nil {
		t.Fatal(err)
	}
	// Pin the sweeper clock two hours past the old records; a fresh record
	// written now stays inside MaxAge.
	clock.now = clock.now.Add(2 * time.Hour)
	fresh, _ := svc.RecordScore(ctx, "blog.example.com", map[string]float64{"seo": 30}, nil)
	sweepAt := clock.now.Add(time.Minute)
	sweeper.WithClock(func() time.Time { return sweepAt })

	pruned, err := sweeper.SweepScores(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned record, got %d", pruned)
	}

	// The matching old record is gone; the non-matching and fresh ones stay.
	if recs, _ := svc.HistoryFor(ctx, "blog.example.com", time.Time{}, time.Time{}); len(recs) != 1 || recs[0].ID != fresh.ID {
		t.Fatalf("expected only fresh record to survive, got %+v", recs)
	}
	if recs, _ := svc.HistoryFor(ctx, "other.org", time.Time{}, time.Time{}); len(recs) != 1 || recs[0].ID != oldOther.ID {
		t.Fatalf("non-matching domain should be untouched, got %+v", recs)
	}
	_ = oldMatch
}

func TestSweepScoresDisabledWithoutMaxAge(t *testing.T) {
	ctx := context.Background()
	svc, _ := newFixture(t)
	if _, err := svc.RecordScore(ctx, "example.com", map[string]float64{"seo": 10}, nil); err != nil {
		t.Fatal(err)
	}

	sweeper, err := NewSweeper(svc, Policy{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	pruned, err := sweeper.SweepScores(ctx)
	if err != nil || pruned != 0 {
		t.Fatalf("expected no-op sweep, got pruned=%d err=%v", pruned, err)
	}
}

func TestSweepSessionsJanitorFailsStale(t *testing.T) {
	ctx := context.Background()
	svc, clock := newFixture(t)

	stale, err := svc.StartCrawlSession(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	done, err := svc.StartCrawlSession(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateCrawlStatus(ctx, done.ID, history.StatusCompleted, nil); err != nil {
		t.Fatal(err)
	}

	sweeper, err := NewSweeper(svc, Policy{StaleAfter: 30 * time.Minute}, util.Unlimited())
	if err != nil {
		t.Fatal(err)
	}
	sweepAt := clock.now.Add(2 * time.Hour)
	sweeper.WithClock(func() time.Time { return sweepAt })

	_, failed, err := sweeper.SweepSessions(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 stale session failed, got %d", failed)
	}

	got, err := svc.SessionByID(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != history.StatusFailed {
		t.Fatalf("stale session should be failed, got %q", got.Status)
	}
	if got.Result["reason"] == "" {
		t.Fatalf("expected janitor reason on session, got %+v", got.Result)
	}

	// The completed session is terminal and must not be touched.
	kept, err := svc.SessionByID(ctx, done.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kept.Status != history.StatusCompleted {
		t.Fatalf("terminal session was modified: %q", kept.Status)
	}
}

func TestSweepSessionsRemovesOldTerminal(t *testing.T) {
	ctx := context.Background()
	svc, clock := newFixture(t)

	sess, err := svc.StartCrawlSession(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateCrawlStatus(ctx, sess.ID, history.StatusCompleted, nil); err != nil {
		t.Fatal(err)
	}

	sweeper, err := NewSweeper(svc, Policy{MaxAge: time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sweepAt := clock.now.Add(3 * time.Hour)
	sweeper.WithClock(func() time.Time { return sweepAt })

	removed, _, err := sweeper.SweepSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 session removed, got %d", removed)
	}
	if sessions, _ := svc.SessionsFor(ctx, "example.com"); len(sessions) != 0 {
		t.Fatalf("expected no sessions left, got %+v", sessions)
	}
}

func TestNewSweeperRejectsBadPattern(t *testing.T) {
	svc, _ := newFixture(t)
	if _, err := NewSweeper(svc, Policy{Domains: []string{"[invalid"}}, nil); err == nil {
		t.Fatal("expected error for invalid glob pattern")
	}
}
