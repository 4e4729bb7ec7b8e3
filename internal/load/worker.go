// Package load implements the load job: it appends one staged partition
// group to the warehouse.
package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/me/etlorch/internal/columnar"
	"github.com/me/etlorch/internal/objstore"
	"github.com/me/etlorch/pkg/model"
)

var (
	ErrNoPartitions        = errors.New("no staged partition directories")
	ErrMultiplePartitions  = errors.New("more than one partition directory in a single load")
	ErrIncompletePartition = errors.New("partition has no completion marker")
	ErrMissingSchema       = errors.New("partition has no schema file")
)

// Column is one destination column.
type Column struct {
	Name string
	Type string
}

// Warehouse appends staged Parquet files to a table in one atomic job.
type Warehouse interface {
	AppendParquet(ctx context.Context, table string, columns []Column, uris []string) error
}

// Task is one load assignment.
type Task struct {
	Table            string
	DestinationTable string
	// DataDir is the staging prefix to load, normally "<table>/<partition>".
	DataDir string
}

// TaskFromEnv reads a Task from the job environment.
func TaskFromEnv(getenv func(string) string, suffix string) (Task, error) {
	t := Task{
		Table:            strings.TrimSpace(getenv(model.EnvTableName)),
		DestinationTable: strings.TrimSpace(getenv(model.EnvDestinationTable)),
		DataDir:          strings.Trim(strings.TrimSpace(getenv(model.EnvDataDir)), "/"),
	}
	if t.Table == "" {
		return t, fmt.Errorf("%s is required", model.EnvTableName)
	}
	if t.DestinationTable == "" {
		t.DestinationTable = model.DestinationTable(t.Table, suffix)
	}
	if t.DataDir == "" {
		t.DataDir = t.Table
	}
	return t, nil
}

// Result summarizes a load.
type Result struct {
	Dir      string
	Files    int
	Columns  int
	Skipped  bool // already loaded by an earlier attempt
	LoadedAt time.Time
}

// Worker runs load tasks.
type Worker struct {
	store     objstore.Store
	warehouse Warehouse
	logger    *slog.Logger
	now       func() time.Time
}

func New(store objstore.Store, wh Warehouse, logger *slog.Logger) *Worker {
	return &Worker{
		store:     store,
		warehouse: wh,
		logger:    logger.With("component", "load"),
		now:       time.Now,
	}
}

// Run validates the partition group under t.DataDir and appends its data
// files. Validation failures are data-shape errors and are never retried
// here. Staged files are left in place.
func (w *Worker) Run(ctx context.Context, t Task) (Result, error) {
	log := w.logger.With("table", t.Table, "destination", t.DestinationTable, "data_dir", t.DataDir)

	keys, err := w.store.List(ctx, t.DataDir+"/")
	if err != nil {
		return Result{}, model.NewError(model.KindConnectivity, "list staged files", err)
	}
	groups := groupByDir(keys)
	if len(groups) == 0 {
		return Result{}, model.NewError(model.KindDataShape, "discover partitions", fmt.Errorf("%w under %s", ErrNoPartitions, t.DataDir))
	}
	if len(groups) > 1 {
		dirs := make([]string, 0, len(groups))
		for d := range groups {
			dirs = append(dirs, d)
		}
		sort.Strings(dirs)
		return Result{}, model.NewError(model.KindDataShape, "discover partitions", fmt.Errorf("%w: %s", ErrMultiplePartitions, strings.Join(dirs, ", ")))
	}

	var dir string
	var files []string
	for d, f := range groups {
		dir, files = d, f
	}
	res := Result{Dir: dir}

	names := make(map[string]bool, len(files))
	var data []string
	for _, k := range files {
		base := objstore.BaseName(k)
		names[base] = true
		if strings.HasSuffix(base, ".parquet") && base != objstore.SchemaFile {
			data = append(data, k)
		}
	}
	sort.Strings(data)

	if !names[objstore.SuccessFile] {
		return res, model.NewError(model.KindDataShape, "check partition", fmt.Errorf("%w: %s", ErrIncompletePartition, dir))
	}
	if !names[objstore.SchemaFile] {
		return res, model.NewError(model.KindDataShape, "check partition", fmt.Errorf("%w: %s", ErrMissingSchema, dir))
	}
	if names[objstore.LoadedFile] {
		log.Info("partition already loaded, skipping", "dir", dir)
		res.Skipped = true
		return res, nil
	}

	schemaData, err := w.store.Get(ctx, dir+"/"+objstore.SchemaFile)
	if err != nil {
		return res, model.NewError(model.KindConnectivity, "read schema", err)
	}
	fields, err := columnar.ReadSchema(schemaData)
	if err != nil {
		return res, model.NewError(model.KindDataShape, "parse schema", err)
	}
	columns := TargetSchema(fields)
	res.Columns = len(columns)
	res.Files = len(data)

	if len(data) > 0 {
		uris := make([]string, len(data))
		for i, k := range data {
			uris[i] = w.store.URI(k)
		}
		start := time.Now()
		if err := w.warehouse.AppendParquet(ctx, t.DestinationTable, columns, uris); err != nil {
			return res, model.NewError(model.KindExecution, "append to warehouse", err)
		}
		log.Info("partition loaded", "dir", dir, "files", len(uris), "columns", len(columns),
			"elapsed", time.Since(start).Round(time.Millisecond))
	} else {
		log.Info("partition has no data files, nothing to append", "dir", dir)
	}

	res.LoadedAt = w.now().UTC()
	marker := "Load completed at " + res.LoadedAt.Format(time.RFC3339) + "\n"
	if err := w.store.Put(ctx, dir+"/"+objstore.LoadedFile, []byte(marker), "text/plain"); err != nil {
		return res, model.NewError(model.KindConnectivity, "write load marker", err)
	}
	return res, nil
}

func groupByDir(keys []string) map[string][]string {
	groups := make(map[string][]string)
	for _, k := range keys {
		dir, ok := objstore.GroupDir(k)
		if !ok {
			continue
		}
		groups[dir] = append(groups[dir], k)
	}
	return groups
}
