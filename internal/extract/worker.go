// Package extract implements the extraction job: it reads one partition of
// a source table and stages it as Parquet chunks.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/etlorch/internal/columnar"
	"github.com/me/etlorch/internal/objstore"
	"github.com/me/etlorch/internal/partition"
	"github.com/me/etlorch/internal/source"
	"github.com/me/etlorch/pkg/model"
)

// Task is one partition's extraction assignment.
type Task struct {
	Table      string
	Partition  int
	PrimaryKey string
	Scheme     partition.Scheme
	ChunkSize  int
}

// TaskFromEnv reads a Task from the job environment. chunkSize is the
// configured size for the table.
func TaskFromEnv(getenv func(string) string, chunkSize int) (Task, error) {
	var errs []error
	req := func(key string) string {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
		return v
	}
	num := func(key string, required bool) int64 {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			if required {
				errs = append(errs, fmt.Errorf("%s is required", key))
			}
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}

	t := Task{
		Table:      req(model.EnvTableName),
		Partition:  int(num(model.EnvPartitionID, true)),
		PrimaryKey: getenv(model.EnvPrimaryKey),
		ChunkSize:  chunkSize,
	}
	if t.PrimaryKey == "" {
		t.PrimaryKey = source.DefaultKeyColumn
	}
	t.Scheme = partition.Scheme{
		Mode:  model.KeyMode(strings.ToLower(getenv(model.EnvKeyMode))),
		Total: int(num(model.EnvTotalPartitions, true)),
	}
	if t.Scheme.Mode == "" {
		t.Scheme.Mode = model.KeyModeRange
	}
	if t.Scheme.Mode == model.KeyModeRange {
		t.Scheme.Min = num(model.EnvMinKey, false)
		t.Scheme.Max = num(model.EnvMaxKey, false)
	}
	t.Scheme.Empty, _ = strconv.ParseBool(getenv(model.EnvKeyEmpty))
	if strings.TrimSpace(getenv(model.EnvPrimaryKeyVal)) != "" {
		v := num(model.EnvPrimaryKeyVal, false)
		t.Scheme.After = &v
	}
	if t.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", t.ChunkSize))
	}
	return t, errors.Join(errs...)
}

// Result summarizes a finished extraction.
type Result struct {
	Rows   int64
	Chunks int
}

// Worker runs extraction tasks.
type Worker struct {
	reader source.Reader
	store  objstore.Store
	logger *slog.Logger
}

func New(reader source.Reader, store objstore.Store, logger *slog.Logger) *Worker {
	return &Worker{
		reader: reader,
		store:  store,
		logger: logger.With("component", "extract"),
	}
}

// Run stages one partition. The _SUCCESS marker is written last, so any
// error leaves the partition unmarked.
func (w *Worker) Run(ctx context.Context, t Task) (Result, error) {
	log := w.logger.With("table", t.Table, "partition", t.Partition, "total_partitions", t.Scheme.Total)
	start := time.Now()

	where, args, err := t.Scheme.Predicate(source.QuoteIdent(t.PrimaryKey), t.Partition)
	if err != nil {
		return Result{}, model.NewError(model.KindDataShape, "build partition predicate", err)
	}

	// A retried job starts from a clean partition directory.
	if n, err := w.store.DeletePrefix(ctx, objstore.PartitionPrefix(t.Table, t.Partition)); err != nil {
		return Result{}, fmt.Errorf("clear partition: %w", err)
	} else if n > 0 {
		log.Info("cleared stale partition files", "objects", n)
	}

	var (
		res     Result
		columns []string
	)
	for offset := 0; ; offset += t.ChunkSize {
		chunk, err := w.reader.FetchChunk(ctx, source.ChunkQuery{
			Table:     t.Table,
			KeyColumn: t.PrimaryKey,
			Where:     where,
			Args:      args,
			Limit:     t.ChunkSize,
			Offset:    offset,
		})
		if err != nil {
			return res, fmt.Errorf("read chunk at offset %d: %w", offset, err)
		}

		if columns == nil {
			columns = chunk.Columns
			if len(columns) == 0 {
				if columns, err = w.reader.Columns(ctx, t.Table); err != nil {
					return res, fmt.Errorf("describe table: %w", err)
				}
			}
			if err := w.writeSchema(ctx, t, columns); err != nil {
				return res, err
			}
		}

		if len(chunk.Rows) > 0 {
			if err := w.writeChunk(ctx, t, res.Chunks, columns, chunk.Rows); err != nil {
				return res, err
			}
			res.Chunks++
			res.Rows += int64(len(chunk.Rows))
			log.Debug("chunk staged", "chunk", res.Chunks-1, "rows", len(chunk.Rows))
		}
		if len(chunk.Rows) < t.ChunkSize {
			break
		}
	}

	marker := fmt.Sprintf("Extraction completed successfully\nTotal rows: %d\n", res.Rows)
	if err := w.store.Put(ctx, objstore.SuccessKey(t.Table, t.Partition), []byte(marker), "text/plain"); err != nil {
		return res, fmt.Errorf("write success marker: %w", err)
	}
	log.Info("partition extracted",
		"rows", humanize.Comma(res.Rows),
		"chunks", res.Chunks,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (w *Worker) writeSchema(ctx context.Context, t Task, columns []string) error {
	var buf bytes.Buffer
	if err := columnar.EncodeSchema(&buf, columns); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	if err := w.store.Put(ctx, objstore.SchemaKey(t.Table, t.Partition), buf.Bytes(), objstore.ParquetType); err != nil {
		return fmt.Errorf("write schema: %w", err)
	}
	return nil
}

func (w *Worker) writeChunk(ctx context.Context, t Task, n int, columns []string, rows [][]*string) error {
	var buf bytes.Buffer
	if err := columnar.EncodeRows(&buf, columns, rows); err != nil {
		return fmt.Errorf("encode chunk %d: %w", n, err)
	}
	if err := w.store.Put(ctx, objstore.ChunkKey(t.Table, t.Partition, n), buf.Bytes(), objstore.ParquetType); err != nil {
		return fmt.Errorf("write chunk %d: %w", n, err)
	}
	return nil
}
