// Package history is the domain API over the storage engine: score snapshots
// and crawl sessions per audited domain, with time-range queries and trend
// reports.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sitepulse/internal/core/errors"
	"sitepulse/internal/data/catalog"
	"sitepulse/internal/data/store"
)

const (
	indexScoresDomainTimestamp = "idx_scores_domain_timestamp"
	indexScoresTimestamp       = "idx_scores_timestamp"
	indexSessionsDomain        = "idx_sessions_domain"
	indexSessionsStatus        = "idx_sessions_status"
	indexSessionsTimestamp     = "idx_sessions_timestamp"
)

type Service struct {
	store *store.Store
	now   func() time.Time
}

func NewService(s *store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// WithClock overrides the timestamp source. Tests use it to pin record order.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RecordScore appends one score snapshot for a domain. Category values must
// be within 0-100.
func (s *Service) RecordScore(ctx context.Context, domain string, scores map[string]float64, metadata map[string]string) (ScoreRecord, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return ScoreRecord{}, errors.New(errors.CodeValidationError, "domain must not be empty")
	}
	if len(scores) == 0 {
		return ScoreRecord{}, errors.New(errors.CodeValidationError, "at least one score category is required")
	}
	for category, value := range scores {
		if value < 0 || value > 100 {
			return ScoreRecord{}, errors.Newf(errors.CodeValidationError,
				"score %q must be within 0-100, got %g", category, value)
		}
	}

	rec := ScoreRecord{
		ID:        uuid.NewString(),
		Domain:    domain,
		Timestamp: s.now().UTC(),
		Scores:    scores,
		Metadata:  metadata,
	}
	if err := s.putScore(ctx, rec); err != nil {
		return ScoreRecord{}, err
	}
	return rec, nil
}

func (s *Service) putScore(ctx context.Context, rec ScoreRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal score record: %w", err)
	}
	_, err = s.store.Put(ctx, catalog.CollectionScores, store.Record{
		ID: rec.ID,
		Keys: map[string]any{
			"domain":    rec.Domain,
			"timestamp": rec.Timestamp.UnixMilli(),
		},
		Payload: payload,
	})
	return err
}

// HistoryFor returns a domain's score records ascending by timestamp. Zero
// from/to values leave that side unbounded.
func (s *Service) HistoryFor(ctx context.Context, domain string, from, to time.Time) ([]ScoreRecord, error) {
	kr := store.KeyRange{Exact: []any{domain}}
	if !from.IsZero() {
		kr.Low = from.UTC().UnixMilli()
	}
	if !to.IsZero() {
		kr.High = to.UTC().UnixMilli()
	}
	rows, err := s.store.QueryByIndex(ctx, catalog.CollectionScores, indexScoresDomainTimestamp, kr)
	if err != nil {
		return nil, err
	}
	return decodeScores(rows)
}

// LatestFor returns the most recent score record for a domain, or NOT_FOUND.
func (s *Service) LatestFor(ctx context.Context, domain string) (ScoreRecord, error) {
	records, err := s.HistoryFor(ctx, domain, time.Time{}, time.Time{})
	if err != nil {
		return ScoreRecord{}, err
	}
	if len(records) == 0 {
		return ScoreRecord{}, errors.Newf(errors.CodeNotFound, "no score history for %q", domain)
	}
	return records[len(records)-1], nil
}

// ScoresBefore lists score records older than the cutoff across all domains.
// The retention sweeper walks this.
func (s *Service) ScoresBefore(ctx context.Context, cutoff time.Time) ([]ScoreRecord, error) {
	rows, err := s.store.QueryByIndex(ctx, catalog.CollectionScores, indexScoresTimestamp,
		store.KeyRange{High: cutoff.UTC().UnixMilli() - 1})
	if err != nil {
		return nil, err
	}
	return decodeScores(rows)
}

func (s *Service) DeleteScore(ctx context.Context, id string) error {
	return s.store.DeleteByID(ctx, catalog.CollectionScores, id)
}

// StartCrawlSession creates a pending session for a domain.
func (s *Service) StartCrawlSession(ctx context.Context, domain string) (CrawlSession, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return CrawlSession{}, errors.New(errors.CodeValidationError, "domain must not be empty")
	}
	sess := CrawlSession{
		ID:        uuid.NewString(),
		Domain:    domain,
		Timestamp: s.now().UTC(),
		Status:    StatusPending,
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return CrawlSession{}, fmt.Errorf("marshal crawl session: %w", err)
	}
	_, err = s.store.Put(ctx, catalog.CollectionCrawlSessions, store.Record{
		ID:      sess.ID,
		Keys:    sessionKeys(sess),
		Payload: payload,
	})
	if err != nil {
		return CrawlSession{}, err
	}
	return sess, nil
}

// MarkRunning moves a session to running.
func (s *Service) MarkRunning(ctx context.Context, id string) (CrawlSession, error) {
	return s.UpdateCrawlStatus(ctx, id, StatusRunning, nil)
}

// UpdateCrawlStatus moves a session to the given status, replacing its result
// payload when one is supplied. A status outside the enumerated set is
// rejected before anything is read or written, so the stored row is
// untouched.
func (s *Service) UpdateCrawlStatus(ctx context.Context, id string, status Status, result map[string]string) (CrawlSession, error) {
	if !ValidStatus(status) {
		return CrawlSession{}, errors.Newf(errors.CodeInvalidTransition, "invalid session status %q", status)
	}

	sess, err := s.SessionByID(ctx, id)
	if err != nil {
		return CrawlSession{}, err
	}
	sess.Status = status
	if result != nil {
		sess.Result = result
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return CrawlSession{}, fmt.Errorf("marshal crawl session: %w", err)
	}
	err = s.store.Update(ctx, catalog.CollectionCrawlSessions, store.Record{
		ID:      sess.ID,
		Keys:    sessionKeys(sess),
		Payload: payload,
	})
	if err != nil {
		return CrawlSession{}, err
	}
	return sess, nil
}

func (s *Service) SessionByID(ctx context.Context, id string) (CrawlSession, error) {
	row, err := s.store.GetByID(ctx, catalog.CollectionCrawlSessions, id)
	if err != nil {
		return CrawlSession{}, err
	}
	return decodeSession(row)
}

// SessionsFor returns a domain's crawl sessions ascending by insertion order
// of the domain index.
func (s *Service) SessionsFor(ctx context.Context, domain string) ([]CrawlSession, error) {
	rows, err := s.store.QueryByIndex(ctx, catalog.CollectionCrawlSessions, indexSessionsDomain, store.Exact(domain))
	if err != nil {
		return nil, err
	}
	return decodeSessions(rows)
}

// SessionsWithStatus returns every session currently in the given status.
func (s *Service) SessionsWithStatus(ctx context.Context, status Status) ([]CrawlSession, error) {
	if !ValidStatus(status) {
		return nil, errors.Newf(errors.CodeInvalidTransition, "invalid session status %q", status)
	}
	rows, err := s.store.QueryByIndex(ctx, catalog.CollectionCrawlSessions, indexSessionsStatus, store.Exact(string(status)))
	if err != nil {
		return nil, err
	}
	return decodeSessions(rows)
}

// SessionsBefore lists sessions started before the cutoff.
func (s *Service) SessionsBefore(ctx context.Context, cutoff time.Time) ([]CrawlSession, error) {
	rows, err := s.store.QueryByIndex(ctx, catalog.CollectionCrawlSessions, indexSessionsTimestamp,
		store.KeyRange{High: cutoff.UTC().UnixMilli() - 1})
	if err != nil {
		return nil, err
	}
	return decodeSessions(rows)
}

func (s *Service) DeleteSession(ctx context.Context, id string) error {
	return s.store.DeleteByID(ctx, catalog.CollectionCrawlSessions, id)
}

func sessionKeys(sess CrawlSession) map[string]any {
	return map[string]any{
		"domain":    sess.Domain,
		"timestamp": sess.Timestamp.UnixMilli(),
		"status":    string(sess.Status),
	}
}

func decodeScores(rows []store.Record) ([]ScoreRecord, error) {
	out := make([]ScoreRecord, 0, len(rows))
	for _, row := range rows {
		var rec ScoreRecord
		if err := json.Unmarshal(row.Payload, &rec); err != nil {
			return nil, fmt.Errorf("decode score record %q: %w", row.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeSession(row store.Record) (CrawlSession, error) {
	var sess CrawlSession
	if err := json.Unmarshal(row.Payload, &sess); err != nil {
		return CrawlSession{}, fmt.Errorf("decode crawl session %q: %w", row.ID, err)
	}
	return sess, nil
}

func decodeSessions(rows []store.Record) ([]CrawlSession, error) {
	out := make([]CrawlSession, 0, len(rows))
	for _, row := range rows {
		sess, err := decodeSession(row)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}
