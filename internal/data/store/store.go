// Package store owns the SQLite database behind the audit history: it runs
// the schema upgrade on open and exposes collection-level CRUD and indexed
// queries. Records are opaque payloads plus the indexed key fields declared
// by the catalog.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"sitepulse/internal/core/errors"
	"sitepulse/internal/data/catalog"
	"sitepulse/internal/shared/observability"
)

const (
	driverName  = "sqlite"
	maxAttempts = 5
)

type Options struct {
	// TargetVersion defaults to catalog.LatestVersion.
	TargetVersion int
	// Catalog defaults to catalog.Default. Tests inject faulty catalogs to
	// exercise migration rollback.
	Catalog     *catalog.Catalog
	BusyTimeout time.Duration
}

type Store struct {
	path    string
	db      *sql.DB
	version int

	descriptors map[string]catalog.CollectionDescriptor

	mu     sync.Mutex
	collMu map[string]*sync.Mutex
}

// Record is one stored row: the primary key, the indexed key fields the
// catalog declares for its collection, and the serialized payload.
type Record struct {
	ID      string
	Keys    map[string]any
	Payload []byte
}

// KeyRange selects rows from an index: equality on the leading columns via
// Exact, then optional inclusive Low/High bounds on the next column.
type KeyRange struct {
	Exact []any
	Low   any
	High  any
}

func Exact(values ...any) KeyRange {
	return KeyRange{Exact: values}
}

func Between(low, high any, prefix ...any) KeyRange {
	return KeyRange{Exact: prefix, Low: low, High: high}
}

// Open opens (creating if absent) the store at path and upgrades its schema
// to the target version. The whole upgrade, steps and version rows together,
// commits in a single transaction; on any failure the store stays at its
// prior version and Open fails.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.TargetVersion == 0 {
		opts.TargetVersion = catalog.LatestVersion
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	ctx, span := observability.Tracer.Start(ctx, "store.Open",
		trace.WithAttributes(attribute.Int("schema.target_version", opts.TargetVersion)))
	defer span.End()

	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, errors.New(errors.CodeOpenFailed, "store path must not be empty")
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return nil, errors.Newf(errors.CodeOpenFailed, "store path %q is a directory, expected file", cleanPath)
	}

	dir := filepath.Dir(cleanPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, errors.CodeOpenFailed, fmt.Sprintf("create store directory %q", dir))
		}
	}

	// busy_timeout + WAL reduce lock conflicts between the dashboard poll
	// loop and foreground writes.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		cleanPath, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		observability.StoreOpenFailuresTotal.Inc()
		return nil, errors.Wrap(err, errors.CodeOpenFailed, fmt.Sprintf("open sqlite store %q", cleanPath))
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		observability.StoreOpenFailuresTotal.Inc()
		return nil, errors.Wrap(err, errors.CodeOpenFailed, fmt.Sprintf("ping sqlite store %q", cleanPath))
	}

	version, err := migrate(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		observability.StoreOpenFailuresTotal.Inc()
		return nil, err
	}

	descriptors := make(map[string]catalog.CollectionDescriptor)
	collMu := make(map[string]*sync.Mutex)
	for _, d := range opts.Catalog.CollectionsAt(opts.TargetVersion) {
		descriptors[d.Name] = d
		collMu[d.Name] = &sync.Mutex{}
	}

	observability.StoreOpensTotal.Inc()
	return &Store{
		path:        cleanPath,
		db:          db,
		version:     version,
		descriptors: descriptors,
		collMu:      collMu,
	}, nil
}

// migrate brings the store to the target version and returns the committed
// version. A stored version newer than the target is refused.
func migrate(ctx context.Context, db *sql.DB, opts Options) (int, error) {
	if err := ensureVersionTable(db); err != nil {
		return 0, errors.Wrap(err, errors.CodeOpenFailed, "initialize version table")
	}

	current, err := currentVersion(db)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeOpenFailed, "read schema version")
	}
	if current > opts.TargetVersion {
		return 0, errors.Newf(errors.CodeOpenFailed,
			"stored schema version %d is newer than supported version %d", current, opts.TargetVersion)
	}
	if current == opts.TargetVersion {
		return current, nil
	}

	existing, err := existingCollections(db)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeOpenFailed, "inspect existing collections")
	}

	steps := opts.Catalog.PlanUpgrade(current, opts.TargetVersion, existing)

	start := time.Now()
	_, span := observability.Tracer.Start(ctx, "store.migrate",
		trace.WithAttributes(
			attribute.Int("schema.from_version", current),
			attribute.Int("schema.to_version", opts.TargetVersion),
			attribute.Int("schema.steps", len(steps)),
		))
	defer span.End()

	tx, err := db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeMigrationFailed, "begin upgrade transaction")
	}

	for _, step := range steps {
		if err := createCollection(tx, step.Descriptor, existing); err != nil {
			_ = tx.Rollback()
			return 0, errors.AddContext(err, errors.CtxVersion, step.Version)
		}
		existing[step.Descriptor.Name] = true
		observability.MigrationStepsTotal.Inc()
	}
	for v := current + 1; v <= opts.TargetVersion; v++ {
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, v); err != nil {
			_ = tx.Rollback()
			return 0, errors.Wrap(err, errors.CodeMigrationFailed, fmt.Sprintf("record version %d", v))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.CodeMigrationFailed, "commit upgrade transaction")
	}

	observability.MigrationDuration.Observe(time.Since(start).Seconds())
	return opts.TargetVersion, nil
}

// createCollection runs inside the upgrade transaction only. Finding the
// collection already present is a programming-invariant violation: the
// planner must have filtered it out.
func createCollection(tx *sql.Tx, d catalog.CollectionDescriptor, existing map[string]bool) error {
	if existing[d.Name] {
		return errors.Newf(errors.CodeConflict, "collection %q already exists", d.Name)
	}
	for _, stmt := range createCollectionSQL(d) {
		if _, err := tx.Exec(stmt); err != nil {
			return errors.Wrap(err, errors.CodeMigrationFailed, fmt.Sprintf("create collection %q", d.Name))
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Version reports the committed schema version.
func (s *Store) Version() int {
	return s.version
}

func (s *Store) descriptor(collection string) (catalog.CollectionDescriptor, error) {
	d, ok := s.descriptors[collection]
	if !ok {
		return catalog.CollectionDescriptor{}, errors.Newf(errors.CodeValidationError, "unknown collection %q", collection)
	}
	return d, nil
}

func (s *Store) lockCollection(collection string) func() {
	s.mu.Lock()
	mu := s.collMu[collection]
	s.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Put inserts a new record, assigning an id when none is set. A primary-key
// collision fails with CONFLICT; the row is never overwritten.
func (s *Store) Put(ctx context.Context, collection string, rec Record) (string, error) {
	d, err := s.descriptor(collection)
	if err != nil {
		return "", err
	}
	cols, args, err := keyColumns(d, rec)
	if err != nil {
		return "", err
	}
	if rec.Payload == nil {
		return "", errors.Newf(errors.CodeValidationError, "record for %s is missing a payload", d.Name)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	colNames := []string{quoteIdent(d.PrimaryKey)}
	placeholders := []string{"?"}
	values := []any{rec.ID}
	for i, c := range cols {
		colNames = append(colNames, quoteIdent(c))
		placeholders = append(placeholders, "?")
		values = append(values, args[i])
	}
	colNames = append(colNames, `"payload"`)
	placeholders = append(placeholders, "?")
	values = append(values, rec.Payload)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(d.Name), strings.Join(colNames, ", "), strings.Join(placeholders, ", "))

	defer s.lockCollection(collection)()
	err = s.withRetry(fmt.Sprintf("put into %s", collection), func() error {
		_, execErr := s.db.ExecContext(ctx, query, values...)
		return execErr
	})
	if err != nil {
		if isConstraintError(err) {
			return "", errors.Wrap(err, errors.CodeConflict, fmt.Sprintf("record %q already exists in %s", rec.ID, collection))
		}
		return "", err
	}
	observability.RecordsWrittenTotal.WithLabelValues(collection).Inc()
	return rec.ID, nil
}

// Update rewrites an existing record in place. Missing ids fail with
// NOT_FOUND; Put's insert-only contract stays intact.
func (s *Store) Update(ctx context.Context, collection string, rec Record) error {
	d, err := s.descriptor(collection)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.New(errors.CodeValidationError, "update requires a record id")
	}
	cols, args, err := keyColumns(d, rec)
	if err != nil {
		return err
	}
	if rec.Payload == nil {
		return errors.Newf(errors.CodeValidationError, "record for %s is missing a payload", d.Name)
	}

	sets := []string{}
	values := []any{}
	for i, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = ?", quoteIdent(c)))
		values = append(values, args[i])
	}
	sets = append(sets, `"payload" = ?`)
	values = append(values, rec.Payload, rec.ID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(d.Name), strings.Join(sets, ", "), quoteIdent(d.PrimaryKey))

	defer s.lockCollection(collection)()
	var affected int64
	err = s.withRetry(fmt.Sprintf("update %s", collection), func() error {
		res, execErr := s.db.ExecContext(ctx, query, values...)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Newf(errors.CodeNotFound, "record %q not found in %s", rec.ID, collection)
	}
	observability.RecordsWrittenTotal.WithLabelValues(collection).Inc()
	return nil
}

func (s *Store) GetByID(ctx context.Context, collection, id string) (Record, error) {
	d, err := s.descriptor(collection)
	if err != nil {
		return Record{}, err
	}

	colNames := []string{}
	for _, f := range d.Fields {
		colNames = append(colNames, quoteIdent(f.Name))
	}
	colNames = append(colNames, `"payload"`)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(colNames, ", "), quoteIdent(d.Name), quoteIdent(d.PrimaryKey))

	dest := make([]any, len(d.Fields)+1)
	keyVals := make([]any, len(d.Fields))
	for i := range d.Fields {
		dest[i] = &keyVals[i]
	}
	var payload []byte
	dest[len(d.Fields)] = &payload

	err = s.db.QueryRowContext(ctx, query, id).Scan(dest...)
	if err == sql.ErrNoRows {
		return Record{}, errors.Newf(errors.CodeNotFound, "record %q not found in %s", id, collection)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %q from %s: %w", id, collection, err)
	}

	keys := make(map[string]any, len(d.Fields))
	for i, f := range d.Fields {
		keys[f.Name] = keyVals[i]
	}
	return Record{ID: id, Keys: keys, Payload: payload}, nil
}

// QueryByIndex returns matches in ascending key order; rows with equal keys
// come back in insertion order. Results are materialized before returning so
// a large scan never holds the connection while the caller iterates.
func (s *Store) QueryByIndex(ctx context.Context, collection, indexName string, kr KeyRange) ([]Record, error) {
	d, err := s.descriptor(collection)
	if err != nil {
		return nil, err
	}
	var idx *catalog.IndexDescriptor
	for i := range d.Indexes {
		if d.Indexes[i].Name == indexName {
			idx = &d.Indexes[i]
			break
		}
	}
	if idx == nil {
		return nil, errors.Newf(errors.CodeValidationError, "unknown index %q on %s", indexName, collection)
	}
	if len(kr.Exact) > len(idx.KeyPaths) {
		return nil, errors.Newf(errors.CodeValidationError,
			"key range has %d equality values but index %q covers %d columns", len(kr.Exact), indexName, len(idx.KeyPaths))
	}

	start := time.Now()

	where := []string{}
	args := []any{}
	for i, v := range kr.Exact {
		where = append(where, fmt.Sprintf("%s = ?", quoteIdent(idx.KeyPaths[i])))
		args = append(args, v)
	}
	if kr.Low != nil || kr.High != nil {
		if len(kr.Exact) >= len(idx.KeyPaths) {
			return nil, errors.Newf(errors.CodeValidationError,
				"no column left for range bounds on index %q", indexName)
		}
		rangeCol := quoteIdent(idx.KeyPaths[len(kr.Exact)])
		if kr.Low != nil {
			where = append(where, fmt.Sprintf("%s >= ?", rangeCol))
			args = append(args, kr.Low)
		}
		if kr.High != nil {
			where = append(where, fmt.Sprintf("%s <= ?", rangeCol))
			args = append(args, kr.High)
		}
	}

	colNames := []string{quoteIdent(d.PrimaryKey)}
	for _, f := range d.Fields {
		colNames = append(colNames, quoteIdent(f.Name))
	}
	colNames = append(colNames, `"payload"`)

	order := []string{}
	for _, k := range idx.KeyPaths {
		order = append(order, quoteIdent(k)+" ASC")
	}
	order = append(order, "rowid ASC")

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(colNames, ", "), quoteIdent(d.Name))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + strings.Join(order, ", ")

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", collection, indexName, err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		dest := make([]any, len(d.Fields)+2)
		var id string
		dest[0] = &id
		keyVals := make([]any, len(d.Fields))
		for i := range d.Fields {
			dest[i+1] = &keyVals[i]
		}
		var payload []byte
		dest[len(d.Fields)+1] = &payload
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", collection, err)
		}
		keys := make(map[string]any, len(d.Fields))
		for i, f := range d.Fields {
			keys[f.Name] = keyVals[i]
		}
		out = append(out, Record{ID: id, Keys: keys, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", collection, err)
	}

	observability.QueryDuration.WithLabelValues(collection).Observe(time.Since(start).Seconds())
	return out, nil
}

func (s *Store) DeleteByID(ctx context.Context, collection, id string) error {
	d, err := s.descriptor(collection)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(d.Name), quoteIdent(d.PrimaryKey))

	defer s.lockCollection(collection)()
	var affected int64
	err = s.withRetry(fmt.Sprintf("delete from %s", collection), func() error {
		res, execErr := s.db.ExecContext(ctx, query, id)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Newf(errors.CodeNotFound, "record %q not found in %s", id, collection)
	}
	observability.RecordsDeletedTotal.WithLabelValues(collection).Inc()
	return nil
}

func (s *Store) Clear(ctx context.Context, collection string) error {
	d, err := s.descriptor(collection)
	if err != nil {
		return err
	}
	defer s.lockCollection(collection)()
	return s.withRetry(fmt.Sprintf("clear %s", collection), func() error {
		_, execErr := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(d.Name)))
		return execErr
	})
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	d, err := s.descriptor(collection)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(d.Name))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// keyColumns extracts the indexed field values a descriptor requires from a
// record. Every declared field must be present; NOT NULL columns back this
// invariant at the SQL layer.
func keyColumns(d catalog.CollectionDescriptor, rec Record) ([]string, []any, error) {
	cols := make([]string, 0, len(d.Fields))
	args := make([]any, 0, len(d.Fields))
	for _, f := range d.Fields {
		v, ok := rec.Keys[f.Name]
		if !ok || v == nil {
			return nil, nil, errors.Newf(errors.CodeValidationError,
				"record for %s is missing indexed field %q", d.Name, f.Name)
		}
		cols = append(cols, f.Name)
		args = append(args, v)
	}
	return cols, args, nil
}

func (s *Store) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLockError(err) || attempt == maxAttempts {
			break
		}
		time.Sleep(time.Duration(attempt*25) * time.Millisecond)
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// isConstraintError matches only duplicate-key violations. Other constraint
// classes (NOT NULL, CHECK) must not surface as CONFLICT.
func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key constraint")
}
