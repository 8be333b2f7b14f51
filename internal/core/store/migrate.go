package store

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS rate_limits (
		endpoint TEXT PRIMARY KEY,
		probed INTEGER NOT NULL DEFAULT 0,
		use_fallback INTEGER NOT NULL DEFAULT 0,
		behind INTEGER NOT NULL DEFAULT 0,
		remaining INTEGER,
		quota_limit INTEGER,
		reset_at INTEGER,
		retry_active INTEGER NOT NULL DEFAULT 0,
		spare INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS burst_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		total INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		peak_per_second INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		report_json TEXT NOT NULL,
		started_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_burst_runs_endpoint ON burst_runs(endpoint, started_at);`,
}

// columnAdditions upgrade databases created before the column existed.
var columnAdditions = []struct {
	table, column, definition string
}{
	{"rate_limits", "dispatched", "INTEGER NOT NULL DEFAULT 0"},
}

// Migrate creates missing tables and columns. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	for _, add := range columnAdditions {
		present, err := s.hasColumn(ctx, add.table, add.column)
		if err != nil {
			return err
		}
		if present {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", add.table, add.column, add.definition)
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add %s.%s column: %w", add.table, add.column, err)
		}
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("inspect %s columns: %w", table, err)
	}
	return false, nil
}
