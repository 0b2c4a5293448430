package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"sitepulse/internal/core/errors"
	"sitepulse/internal/data/catalog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func scoreRecord(id, domain string, ts int64) Record {
	return Record{
		ID:      id,
		Keys:    map[string]any{"domain": domain, "timestamp": ts},
		Payload: []byte(fmt.Sprintf(`{"domain":%q,"timestamp":%d}`, domain, ts)),
	}
}

func TestOpenFreshCreatesFullSchema(t *testing.T) {
	s := openTestStore(t)
	if s.Version() != catalog.LatestVersion {
		t.Fatalf("expected version %d, got %d", catalog.LatestVersion, s.Version())
	}
	for _, coll := range []string{catalog.CollectionScores, catalog.CollectionCrawlSessions} {
		if _, err := s.Count(context.Background(), coll); err != nil {
			t.Fatalf("collection %q should exist: %v", coll, err)
		}
	}
}

func TestOpenRejectsDirectoryPath(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), Options{})
	if !errors.IsCode(err, errors.CodeOpenFailed) {
		t.Fatalf("expected OPEN_FAILED for directory path, got %v", err)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "  ", Options{})
	if !errors.IsCode(err, errors.CodeOpenFailed) {
		t.Fatalf("expected OPEN_FAILED for empty path, got %v", err)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	s, err := Open(ctx, path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, catalog.CollectionScores, scoreRecord("a", "example.com", 100)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Second open runs an empty plan and must not disturb stored data.
	s2, err := Open(ctx, path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if s2.Version() != catalog.LatestVersion {
		t.Fatalf("expected version %d after reopen, got %d", catalog.LatestVersion, s2.Version())
	}
	if _, err := s2.GetByID(ctx, catalog.CollectionScores, "a"); err != nil {
		t.Fatalf("record lost across reopen: %v", err)
	}
}

func TestOpenStepwiseUpgradePreservesData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	// Version 1: only scores exists.
	s, err := Open(ctx, path, Options{TargetVersion: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, catalog.CollectionScores, scoreRecord("a", "example.com", 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Count(ctx, catalog.CollectionCrawlSessions); !errors.IsCode(err, errors.CodeValidationError) {
		t.Fatalf("crawl-sessions should be unknown at version 1, got %v", err)
	}
	s.Close()

	// Upgrade to 3 creates only crawl-sessions and keeps scores untouched.
	s3, err := Open(ctx, path, Options{TargetVersion: 3})
	if err != nil {
		t.Fatalf("upgrade open: %v", err)
	}
	defer s3.Close()
	if s3.Version() != 3 {
		t.Fatalf("expected version 3, got %d", s3.Version())
	}
	if _, err := s3.GetByID(ctx, catalog.CollectionScores, "a"); err != nil {
		t.Fatalf("scores record lost during upgrade: %v", err)
	}
	if n, err := s3.Count(ctx, catalog.CollectionCrawlSessions); err != nil || n != 0 {
		t.Fatalf("expected empty crawl-sessions, got n=%d err=%v", n, err)
	}
}

func TestOpenRefusesNewerStoredVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	s, err := Open(ctx, path, Options{TargetVersion: 3})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	_, err = Open(ctx, path, Options{TargetVersion: 2})
	if !errors.IsCode(err, errors.CodeOpenFailed) {
		t.Fatalf("expected OPEN_FAILED for downgrade, got %v", err)
	}
}

// faultyCatalog declares an index over a column the table does not carry, so
// the second DDL statement of the step fails mid-upgrade.
func faultyCatalog() *catalog.Catalog {
	bad := catalog.CollectionDescriptor{
		Name:       catalog.CollectionCrawlSessions,
		PrimaryKey: "id",
		Fields: []catalog.FieldDescriptor{
			{Name: "domain", Affinity: catalog.AffinityText},
		},
		Indexes: []catalog.IndexDescriptor{
			{Name: "idx_sessions_domain", KeyPaths: []string{"domain"}},
			{Name: "idx_sessions_status", KeyPaths: []string{"status"}},
		},
	}
	good := catalog.Default.CollectionsAt(1)
	return catalog.New(map[int][]catalog.CollectionDescriptor{
		1: good,
		2: {bad},
		3: {},
	})
}

func TestMigrationFailureRollsBackAndRetries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	s, err := Open(ctx, path, Options{TargetVersion: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, catalog.CollectionScores, scoreRecord("a", "example.com", 100)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	_, err = Open(ctx, path, Options{TargetVersion: 3, Catalog: faultyCatalog()})
	if !errors.IsCode(err, errors.CodeMigrationFailed) {
		t.Fatalf("expected MIGRATION_FAILED, got %v", err)
	}

	// The failed upgrade must leave the store at its prior version with no
	// partial schema; a retry with the fault removed succeeds cleanly.
	s1, err := Open(ctx, path, Options{TargetVersion: 1})
	if err != nil {
		t.Fatalf("store should still open at prior version: %v", err)
	}
	if s1.Version() != 1 {
		t.Fatalf("expected version 1 after rollback, got %d", s1.Version())
	}
	s1.Close()

	s3, err := Open(ctx, path, Options{TargetVersion: 3})
	if err != nil {
		t.Fatalf("retry at target should succeed: %v", err)
	}
	defer s3.Close()
	if s3.Version() != 3 {
		t.Fatalf("expected version 3 after retry, got %d", s3.Version())
	}
	if _, err := s3.GetByID(ctx, catalog.CollectionScores, "a"); err != nil {
		t.Fatalf("data lost across failed upgrade: %v", err)
	}
	if n, err := s3.Count(ctx, catalog.CollectionCrawlSessions); err != nil || n != 0 {
		t.Fatalf("crawl-sessions should exist and be empty, got n=%d err=%v", n, err)
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := scoreRecord("rec-1", "example.com", 1700000000000)
	id, err := s.Put(ctx, catalog.CollectionScores, rec)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if id != "rec-1" {
		t.Fatalf("expected id preserved, got %q", id)
	}

	got, err := s.GetByID(ctx, catalog.CollectionScores, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != string(rec.Payload) {
		t.Fatalf("payload mismatch: %s vs %s", got.Payload, rec.Payload)
	}
	if got.Keys["domain"] != "example.com" {
		t.Fatalf("domain key mismatch: %v", got.Keys)
	}
	if got.Keys["timestamp"] != int64(1700000000000) {
		t.Fatalf("timestamp key mismatch: %v", got.Keys)
	}
}

func TestPutAssignsID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.Put(ctx, catalog.CollectionScores, scoreRecord("", "example.com", 1))
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
}

func TestPutDuplicateIDConflicts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.Put(ctx, catalog.CollectionScores, scoreRecord("dup", "example.com", 1)); err != nil {
		t.Fatal(err)
	}
	_, err := s.Put(ctx, catalog.CollectionScores, scoreRecord("dup", "example.com", 2))
	if !errors.IsCode(err, errors.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestPutMissingIndexedFieldRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Put(ctx, catalog.CollectionScores, Record{
		ID:      "x",
		Keys:    map[string]any{"domain": "example.com"},
		Payload: []byte("{}"),
	})
	if !errors.IsCode(err, errors.CodeValidationError) {
		t.Fatalf("expected VALIDATION_ERROR for missing timestamp, got %v", err)
	}
}

func TestPutNilPayloadRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := scoreRecord("x", "example.com", 1)
	rec.Payload = nil
	if _, err := s.Put(ctx, catalog.CollectionScores, rec); !errors.IsCode(err, errors.CodeValidationError) {
		t.Fatalf("expected VALIDATION_ERROR for nil payload, got %v", err)
	}

	// An update dropping the payload is rejected the same way.
	if _, err := s.Put(ctx, catalog.CollectionScores, scoreRecord("x", "example.com", 1)); err != nil {
		t.Fatal(err)
	}
	bad := scoreRecord("x", "example.com", 2)
	bad.Payload = nil
	if err := s.Update(ctx, catalog.CollectionScores, bad); !errors.IsCode(err, errors.CodeValidationError) {
		t.Fatalf("expected VALIDATION_ERROR for nil payload on update, got %v", err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	_, err := openTestStore(t).GetByID(context.Background(), catalog.CollectionScores, "missing")
	if !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestQueryByIndexOrderingAndRange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// Inserted out of timestamp order on purpose.
	for _, r := range []Record{
		scoreRecord("c", "example.com", 300),
		scoreRecord("a", "example.com", 100),
		scoreRecord("other", "other.org", 150),
		scoreRecord("b", "example.com", 200),
	} {
		if _, err := s.Put(ctx, catalog.CollectionScores, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.QueryByIndex(ctx, catalog.CollectionScores, "idx_scores_domain_timestamp", Exact("example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records for example.com, got %d", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].ID != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, got[i].ID)
		}
	}

	ranged, err := s.QueryByIndex(ctx, catalog.CollectionScores, "idx_scores_domain_timestamp",
		Between(int64(150), int64(250), "example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 1 || ranged[0].ID != "b" {
		t.Fatalf("expected only record b in range, got %+v", ranged)
	}
}

func TestQueryByIndexEqualKeysKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, id := range []string{"first", "second", "third"} {
		if _, err := s.Put(ctx, catalog.CollectionScores, scoreRecord(id, "example.com", 500)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.QueryByIndex(ctx, catalog.CollectionScores, "idx_scores_timestamp", Exact(int64(500)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].ID != want {
			t.Fatalf("tie-break broke insertion order at %d: got %q", i, got[i].ID)
		}
	}
}

func TestQueryByIndexUnknownIndex(t *testing.T) {
	_, err := openTestStore(t).QueryByIndex(context.Background(), catalog.CollectionScores, "idx_bogus", Exact("x"))
	if !errors.IsCode(err, errors.CodeValidationError) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Put(ctx, catalog.CollectionScores, scoreRecord(fmt.Sprintf("r%d", i), "example.com", int64(i))); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.DeleteByID(ctx, catalog.CollectionScores, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteByID(ctx, catalog.CollectionScores, "r1"); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND on double delete, got %v", err)
	}
	if n, _ := s.Count(ctx, catalog.CollectionScores); n != 2 {
		t.Fatalf("expected 2 records after delete, got %d", n)
	}

	if err := s.Clear(ctx, catalog.CollectionScores); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.Count(ctx, catalog.CollectionScores); n != 0 {
		t.Fatalf("expected empty collection after clear, got %d", n)
	}
}

func TestUpdateRewritesInPlace(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := Record{
		ID:      "sess-1",
		Keys:    map[string]any{"domain": "example.com", "timestamp": int64(100), "status": "pending"},
		Payload: []byte(`{"status":"pending"}`),
	}
	if _, err := s.Put(ctx, catalog.CollectionCrawlSessions, rec); err != nil {
		t.Fatal(err)
	}

	rec.Keys["status"] = "running"
	rec.Payload = []byte(`{"status":"running"}`)
	if err := s.Update(ctx, catalog.CollectionCrawlSessions, rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetByID(ctx, catalog.CollectionCrawlSessions, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Keys["status"] != "running" {
		t.Fatalf("status key not updated: %v", got.Keys)
	}

	missing := rec
	missing.ID = "sess-unknown"
	if err := s.Update(ctx, catalog.CollectionCrawlSessions, missing); !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for unknown id, got %v", err)
	}
}

func TestConcurrentWritesSerializedPerCollection(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	const n = 32

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Put(ctx, catalog.CollectionScores, scoreRecord(fmt.Sprintf("r%d", i), "example.com", int64(i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent put: %v", err)
		}
	}
	if count, _ := s.Count(ctx, catalog.CollectionScores); count != n {
		t.Fatalf("expected %d records after concurrent puts, got %d", n, count)
	}

	// Concurrent deletes of half the records, interleaved with reads.
	delErrs := make(chan error, n/2)
	for i := 0; i < n/2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			delErrs <- s.DeleteByID(ctx, catalog.CollectionScores, fmt.Sprintf("r%d", i))
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.QueryByIndex(ctx, catalog.CollectionScores, "idx_scores_domain", Exact("example.com"))
		}()
	}
	wg.Wait()
	close(delErrs)
	for err := range delErrs {
		if err != nil {
			t.Fatalf("concurrent delete: %v", err)
		}
	}
	if count, _ := s.Count(ctx, catalog.CollectionScores); count != n/2 {
		t.Fatalf("expected %d records after concurrent deletes, got %d", n/2, count)
	}
}

func TestSchemaVersionRowsRecorded(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(ctx, path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != catalog.LatestVersion {
		t.Fatalf("expected %d version rows, got %d", catalog.LatestVersion, n)
	}
}
