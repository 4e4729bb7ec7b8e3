package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schema holds the DDL shared by both dialects. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS pipelines (
		pipeline_id        TEXT PRIMARY KEY,
		source_table       TEXT NOT NULL,
		destination_table  TEXT NOT NULL DEFAULT '',
		refresh_type       TEXT NOT NULL DEFAULT 'FULL',
		primary_key_column TEXT NOT NULL DEFAULT '',
		skip_table         TEXT NOT NULL DEFAULT 'N',
		status             TEXT NOT NULL DEFAULT 'Idle',
		updated_at         TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id            TEXT PRIMARY KEY,
		pipeline_id       TEXT NOT NULL,
		run_date          TEXT NOT NULL,
		next_refresh_date TEXT NOT NULL,
		refresh_timestamp TEXT NOT NULL,
		min_id            BIGINT NOT NULL DEFAULT 0,
		max_id            BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_pipeline ON pipeline_runs(pipeline_id, refresh_timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_pipelines_skip ON pipelines(skip_table)`,
}

// alterStatements are column additions made after the first release.
var alterStatements = []struct {
	table  string
	column string
	def    string
}{
	{table: "pipeline_runs", column: "partitions", def: "INTEGER NOT NULL DEFAULT 0"},
}

func migrate(ctx context.Context, db *sql.DB, driver string) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	for _, alter := range alterStatements {
		var err error
		if driver == DriverPostgres {
			_, err = db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", alter.table, alter.column, alter.def))
		} else {
			err = addColumnIfNotExists(ctx, db, alter.table, alter.column,
				fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", alter.table, alter.column, alter.def))
		}
		if err != nil {
			return fmt.Errorf("migrate %s.%s: %w", alter.table, alter.column, err)
		}
	}
	return nil
}

// addColumnIfNotExists adds a column to a SQLite table if it doesn't already
// exist. SQLite has no IF NOT EXISTS for ALTER TABLE ADD COLUMN.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	found := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		if strings.EqualFold(name, column) {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	if found {
		return nil
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
