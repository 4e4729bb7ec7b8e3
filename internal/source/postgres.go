package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const gib = 1 << 30

// Postgres implements Catalog and Reader on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	logger *slog.Logger
}

func NewPostgres(ctx context.Context, dsn, schema string, logger *slog.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("source dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect source: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping source: %w", err)
	}
	return &Postgres{
		pool:   pool,
		schema: schema,
		logger: logger.With("component", "source"),
	}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) qualified(table string) string {
	return Qualify(p.schema, table)
}

func (p *Postgres) EstimateSize(ctx context.Context, table, keyColumn string, after *int64) (float64, error) {
	name := p.qualified(table)
	var bytes int64
	if err := p.pool.QueryRow(ctx, `SELECT pg_total_relation_size($1::regclass)`, name).Scan(&bytes); err != nil {
		return 0, fmt.Errorf("table size %s: %w", name, err)
	}
	size := float64(bytes) / gib
	p.logger.Debug("table size", "table", name, "size", humanize.IBytes(uint64(bytes)))
	if after == nil {
		return size, nil
	}

	var total, delta int64
	if err := p.pool.QueryRow(ctx,
		`SELECT GREATEST(reltuples, 0)::bigint FROM pg_class WHERE oid = $1::regclass`, name,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("row estimate %s: %w", name, err)
	}
	if total <= 0 {
		return size, nil
	}
	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s > $1`, QuoteIdent(name), QuoteIdent(keyColumn))
	if err := p.pool.QueryRow(ctx, q, *after).Scan(&delta); err != nil {
		return 0, fmt.Errorf("delta count %s: %w", name, err)
	}
	frac, stale := deltaFraction(delta, total)
	if stale {
		p.logger.Warn("row estimate is stale, sizing the delta as the whole table",
			"table", name, "reltuples", total, "delta_rows", delta)
	}
	return size * frac, nil
}

// deltaFraction is the share of the table's rows past the watermark. stale
// reports that the exact delta exceeded the planner's row estimate, in
// which case the fraction is clamped to 1.
func deltaFraction(delta, total int64) (frac float64, stale bool) {
	if total <= 0 {
		return 1, false
	}
	if delta > total {
		return 1, true
	}
	if delta < 0 {
		delta = 0
	}
	return float64(delta) / float64(total), false
}

func (p *Postgres) PrimaryKey(ctx context.Context, table string) (string, error) {
	name := p.qualified(table)
	var col string
	err := p.pool.QueryRow(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY a.attnum
		LIMIT 1`, name).Scan(&col)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultKeyColumn, nil
	}
	if err != nil {
		return "", fmt.Errorf("primary key %s: %w", name, err)
	}
	return col, nil
}

func (p *Postgres) KeyBounds(ctx context.Context, table, keyColumn string, after *int64) (Bounds, error) {
	name := p.qualified(table)
	var typ string
	err := p.pool.QueryRow(ctx, `
		SELECT format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = $1::regclass AND a.attname = $2 AND NOT a.attisdropped`,
		name, keyColumn).Scan(&typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bounds{}, fmt.Errorf("key column %s not found on %s", keyColumn, name)
	}
	if err != nil {
		return Bounds{}, fmt.Errorf("key type %s.%s: %w", name, keyColumn, err)
	}
	if !IsIntegerType(typ) {
		return Bounds{Numeric: false}, nil
	}

	q, args := boundsQuery(name, keyColumn, after)
	var lo, hi *int64
	if err := p.pool.QueryRow(ctx, q, args...).Scan(&lo, &hi); err != nil {
		return Bounds{}, fmt.Errorf("key bounds %s: %w", name, err)
	}
	if lo == nil || hi == nil {
		return Bounds{Numeric: true, Empty: true}, nil
	}
	return Bounds{Numeric: true, Min: *lo, Max: *hi}, nil
}

func (p *Postgres) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT * FROM %s LIMIT 0`, QuoteIdent(p.qualified(table))))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	cols := fieldNames(rows.FieldDescriptions())
	rows.Close()
	return cols, rows.Err()
}

func (p *Postgres) FetchChunk(ctx context.Context, q ChunkQuery) (*Chunk, error) {
	q.Table = p.qualified(q.Table)
	query, args := chunkQuery(q)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s offset %d: %w", q.Table, q.Offset, err)
	}
	defer rows.Close()

	chunk := &Chunk{Columns: fieldNames(rows.FieldDescriptions())}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("decode %s row: %w", q.Table, err)
		}
		row := make([]*string, len(vals))
		for i, v := range vals {
			row[i] = Text(v)
		}
		chunk.Rows = append(chunk.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s offset %d: %w", q.Table, q.Offset, err)
	}
	return chunk, nil
}

func boundsQuery(table, keyColumn string, after *int64) (string, []any) {
	col := QuoteIdent(keyColumn)
	q := fmt.Sprintf(`SELECT min(%s)::bigint, max(%s)::bigint FROM %s`, col, col, QuoteIdent(table))
	if after == nil {
		return q, nil
	}
	return q + fmt.Sprintf(` WHERE %s > $1`, col), []any{*after}
}

// chunkQuery builds the paged, key-ordered read of one partition. LIMIT and
// OFFSET take the placeholders after the predicate's.
func chunkQuery(q ChunkQuery) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s", QuoteIdent(q.Table))
	if q.Where != "" {
		fmt.Fprintf(&b, " WHERE %s", q.Where)
	}
	args := append([]any(nil), q.Args...)
	fmt.Fprintf(&b, " ORDER BY %s LIMIT $%d OFFSET $%d", QuoteIdent(q.KeyColumn), len(args)+1, len(args)+2)
	args = append(args, q.Limit, q.Offset)
	return b.String(), args
}

// IsIntegerType reports whether a format_type() name can be range
// partitioned.
func IsIntegerType(typ string) bool {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "smallint", "integer", "bigint", "int2", "int4", "int8", "smallserial", "serial", "bigserial":
		return true
	}
	return false
}

func fieldNames(fds []pgconn.FieldDescription) []string {
	names := make([]string, len(fds))
	for i, fd := range fds {
		names[i] = fd.Name
	}
	return names
}
