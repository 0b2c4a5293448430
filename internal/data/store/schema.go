package store

import (
	"database/sql"
	"fmt"
	"strings"

	"sitepulse/internal/data/catalog"
)

// The persisted schema version lives in its own table; the current version is
// MAX(version) and every upgrade appends one row per version it crossed.
const versionTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_utc TEXT NOT NULL DEFAULT (CURRENT_TIMESTAMP)
);
`

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// createCollectionSQL renders the DDL for one collection: the table with its
// primary key, one typed column per indexed field, an opaque payload column,
// then every secondary index. Index DDL uses IF NOT EXISTS so re-declaring an
// index on an existing collection stays a no-op.
func createCollectionSQL(d catalog.CollectionDescriptor) []string {
	cols := []string{fmt.Sprintf("%s TEXT PRIMARY KEY", quoteIdent(d.PrimaryKey))}
	for _, f := range d.Fields {
		cols = append(cols, fmt.Sprintf("%s %s NOT NULL", quoteIdent(f.Name), f.Affinity))
	}
	cols = append(cols, `"payload" BLOB NOT NULL`)

	stmts := []string{
		fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(d.Name), strings.Join(cols, ", ")),
	}
	for _, idx := range d.Indexes {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		keyCols := make([]string, 0, len(idx.KeyPaths))
		for _, k := range idx.KeyPaths {
			keyCols = append(keyCols, quoteIdent(k))
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, quoteIdent(idx.Name), quoteIdent(d.Name), strings.Join(keyCols, ", "),
		))
	}
	return stmts
}

func ensureVersionTable(db *sql.DB) error {
	if _, err := db.Exec(versionTableDDL); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema_migrations version: %w", err)
	}
	return v, nil
}

// existingCollections lists user tables already present. Existence here is
// authoritative for the planner, not the version marker.
func existingCollections(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if name == "schema_migrations" || strings.HasPrefix(name, "sqlite_") {
			continue
		}
		out[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return out, nil
}
