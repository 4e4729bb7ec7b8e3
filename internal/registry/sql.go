package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/me/etlorch/pkg/model"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

const (
	timestampLayout = "2006-01-02T15:04:05.000000Z"
	dateLayout      = "2006-01-02"
)

// SQLRegistry implements Registry on database/sql. Queries are written with
// '?' placeholders and rebound for PostgreSQL.
type SQLRegistry struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the registry database. Use driver "sqlite" with ":memory:"
// in tests.
func Open(driver, dsn string, logger *slog.Logger) (*SQLRegistry, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	case "postgres", "postgresql":
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("registry dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s registry: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single connection keeps ":memory:" databases coherent and
		// serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma wal: %w", err)
		}
	}
	return &SQLRegistry{
		db:     db,
		driver: driver,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}, nil
}

func (r *SQLRegistry) Close() error {
	return r.db.Close()
}

func (r *SQLRegistry) Migrate(ctx context.Context) error {
	r.logger.Debug("sql", "op", "migrate", "driver", r.driver)
	return migrate(ctx, r.db, r.driver)
}

// pipelineSelect joins each pipeline with its watermark: min_id of the newest
// run and the highest max_id across retained runs.
const pipelineSelect = `SELECT p.pipeline_id, p.source_table, p.destination_table, p.refresh_type,
	p.primary_key_column, p.skip_table, p.status,
	COALESCE((SELECT r.min_id FROM pipeline_runs r WHERE r.pipeline_id = p.pipeline_id
		ORDER BY r.refresh_timestamp DESC, r.run_id DESC LIMIT 1), 0),
	COALESCE((SELECT MAX(r.max_id) FROM pipeline_runs r WHERE r.pipeline_id = p.pipeline_id), 0),
	(SELECT MAX(r.refresh_timestamp) FROM pipeline_runs r WHERE r.pipeline_id = p.pipeline_id)
	FROM pipelines p`

func (r *SQLRegistry) ListPipelines(ctx context.Context) ([]*model.PipelineConfig, error) {
	r.logger.Debug("sql", "op", "select", "table", "pipelines")
	rows, err := r.db.QueryContext(ctx, r.rebind(pipelineSelect+` WHERE p.skip_table = 'N' ORDER BY p.pipeline_id`))
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*model.PipelineConfig
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLRegistry) GetPipeline(ctx context.Context, pipelineID string) (*model.PipelineConfig, error) {
	r.logger.Debug("sql", "op", "select", "table", "pipelines", "pipeline_id", pipelineID)
	row := r.db.QueryRowContext(ctx, r.rebind(pipelineSelect+` WHERE p.pipeline_id = ?`), pipelineID)
	p, err := scanPipeline(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", pipelineID, err)
	}
	return p, nil
}

func (r *SQLRegistry) UpsertPipeline(ctx context.Context, p *model.PipelineConfig) error {
	if p.PipelineID == "" || p.SourceTable == "" {
		return fmt.Errorf("upsert pipeline: pipeline_id and source_table are required")
	}
	r.logger.Debug("sql", "op", "upsert", "table", "pipelines", "pipeline_id", p.PipelineID)

	dest := p.DestinationTable
	if dest == "" {
		dest = model.DestinationTable(p.SourceTable, "")
	}
	status := p.Status
	if status == "" {
		status = model.StatusIdle
	}
	skip := "N"
	if p.Skip {
		skip = "Y"
	}
	refresh := p.RefreshType
	if refresh == "" {
		refresh = model.RefreshFull
	}

	_, err := r.db.ExecContext(ctx, r.rebind(
		`INSERT INTO pipelines (pipeline_id, source_table, destination_table, refresh_type, primary_key_column, skip_table, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (pipeline_id) DO UPDATE SET
			source_table = excluded.source_table,
			destination_table = excluded.destination_table,
			refresh_type = excluded.refresh_type,
			primary_key_column = excluded.primary_key_column,
			skip_table = excluded.skip_table,
			updated_at = excluded.updated_at`),
		p.PipelineID, p.SourceTable, dest, string(refresh), p.PrimaryKeyColumn, skip, string(status),
		formatTimestamp(r.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert pipeline %s: %w", p.PipelineID, err)
	}
	return nil
}

func (r *SQLRegistry) UpdateStatus(ctx context.Context, pipelineID string, status model.PipelineStatus) error {
	r.logger.Debug("sql", "op", "update", "table", "pipelines", "pipeline_id", pipelineID, "status", status)
	res, err := r.db.ExecContext(ctx, r.rebind(
		`UPDATE pipelines SET status = ?, updated_at = ? WHERE pipeline_id = ?`),
		string(status), formatTimestamp(r.now()), pipelineID,
	)
	if err != nil {
		return fmt.Errorf("update status %s: %w", pipelineID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status %s: %w", pipelineID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRegistry) AppendRun(ctx context.Context, run *model.RunRecord) error {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	if run.RefreshTimestamp.IsZero() {
		run.RefreshTimestamp = r.now()
	}
	r.logger.Debug("sql", "op", "insert", "table", "pipeline_runs", "pipeline_id", run.PipelineID, "run_id", run.RunID)
	_, err := r.db.ExecContext(ctx, r.rebind(
		`INSERT INTO pipeline_runs (run_id, pipeline_id, run_date, next_refresh_date, refresh_timestamp, min_id, max_id, partitions)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		run.RunID, run.PipelineID,
		run.RunDate.UTC().Format(dateLayout),
		run.NextRefreshDate.UTC().Format(dateLayout),
		formatTimestamp(run.RefreshTimestamp),
		run.MinID, run.MaxID, run.Partitions,
	)
	if err != nil {
		return fmt.Errorf("append run %s: %w", run.PipelineID, err)
	}
	return nil
}

func (r *SQLRegistry) PruneRuns(ctx context.Context, pipelineID string, keep int) (int64, error) {
	if keep < 1 {
		return 0, fmt.Errorf("prune runs: keep must be >= 1, got %d", keep)
	}
	r.logger.Debug("sql", "op", "delete", "table", "pipeline_runs", "pipeline_id", pipelineID, "keep", keep)
	res, err := r.db.ExecContext(ctx, r.rebind(
		`DELETE FROM pipeline_runs WHERE pipeline_id = ? AND run_id NOT IN (
			SELECT run_id FROM pipeline_runs WHERE pipeline_id = ?
			ORDER BY refresh_timestamp DESC, run_id DESC LIMIT ?)`),
		pipelineID, pipelineID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune runs %s: %w", pipelineID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs %s: %w", pipelineID, err)
	}
	return n, nil
}

func (r *SQLRegistry) ListRuns(ctx context.Context, pipelineID string, limit int) ([]*model.RunRecord, error) {
	query := `SELECT run_id, pipeline_id, run_date, next_refresh_date, refresh_timestamp, min_id, max_id, partitions
		FROM pipeline_runs WHERE pipeline_id = ? ORDER BY refresh_timestamp DESC, run_id DESC`
	args := []any{pipelineID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs %s: %w", pipelineID, err)
	}
	defer rows.Close()

	var out []*model.RunRecord
	for rows.Next() {
		var run model.RunRecord
		var runDate, nextDate, ts string
		if err := rows.Scan(&run.RunID, &run.PipelineID, &runDate, &nextDate, &ts, &run.MinID, &run.MaxID, &run.Partitions); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if run.RunDate, err = time.Parse(dateLayout, runDate); err != nil {
			return nil, fmt.Errorf("parse run_date: %w", err)
		}
		if run.NextRefreshDate, err = time.Parse(dateLayout, nextDate); err != nil {
			return nil, fmt.Errorf("parse next_refresh_date: %w", err)
		}
		if run.RefreshTimestamp, err = time.Parse(timestampLayout, ts); err != nil {
			return nil, fmt.Errorf("parse refresh_timestamp: %w", err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPipeline(s scanner) (*model.PipelineConfig, error) {
	var p model.PipelineConfig
	var refresh, skip, status string
	var last sql.NullString
	if err := s.Scan(&p.PipelineID, &p.SourceTable, &p.DestinationTable, &refresh,
		&p.PrimaryKeyColumn, &skip, &status, &p.MinID, &p.MaxID, &last); err != nil {
		return nil, err
	}
	p.RefreshType = model.ParseRefreshType(refresh)
	p.Skip = strings.EqualFold(skip, "Y")
	p.Status = model.PipelineStatus(status)
	if p.DestinationTable == "" {
		p.DestinationTable = model.DestinationTable(p.SourceTable, "")
	}
	if last.Valid && last.String != "" {
		t, err := time.Parse(timestampLayout, last.String)
		if err != nil {
			return nil, fmt.Errorf("parse refresh_timestamp: %w", err)
		}
		p.LastRefresh = &t
	}
	return &p, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// rebind rewrites '?' placeholders as $1, $2, ... for PostgreSQL. Queries in
// this package never carry '?' inside string literals.
func (r *SQLRegistry) rebind(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
