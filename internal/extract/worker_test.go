package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/me/etlorch/internal/columnar"
	"github.com/me/etlorch/internal/objstore"
	"github.com/me/etlorch/internal/partition"
	"github.com/me/etlorch/internal/source"
	"github.com/me/etlorch/pkg/model"
)

// fakeReader serves a fixed ordered table and ignores the predicate.
type fakeReader struct {
	columns []string
	rows    [][]*string
	failAt  int // offset that fails, -1 for never
	queries []source.ChunkQuery
}

func (f *fakeReader) Columns(context.Context, string) ([]string, error) {
	return f.columns, nil
}

func (f *fakeReader) FetchChunk(_ context.Context, q source.ChunkQuery) (*source.Chunk, error) {
	f.queries = append(f.queries, q)
	if f.failAt >= 0 && q.Offset == f.failAt {
		return nil, errors.New("connection reset")
	}
	c := &source.Chunk{Columns: f.columns}
	for i := q.Offset; i < len(f.rows) && i < q.Offset+q.Limit; i++ {
		c.Rows = append(c.Rows, f.rows[i])
	}
	return c, nil
}

func table(n int) [][]*string {
	rows := make([][]*string, n)
	for i := range rows {
		id := strconv.Itoa(i)
		name := "row-" + id
		rows[i] = []*string{&id, &name}
	}
	return rows
}

func testWorker(r source.Reader) (*Worker, *objstore.Memory) {
	store := objstore.NewMemory("gs", "staging")
	return New(r, store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func rangeTask(chunk int) Task {
	return Task{
		Table:      "orders",
		Partition:  1,
		PrimaryKey: "id",
		ChunkSize:  chunk,
		Scheme:     partition.Scheme{Mode: model.KeyModeRange, Total: 2, Min: 0, Max: 9},
	}
}

func TestRunStagesChunksAndMarker(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{columns: []string{"id", "name"}, rows: table(5), failAt: -1}
	w, store := testWorker(r)

	res, err := w.Run(ctx, rangeTask(2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Rows != 5 || res.Chunks != 3 {
		t.Errorf("result = %+v, want 5 rows in 3 chunks", res)
	}
	keys, _ := store.List(ctx, "orders/1/")
	want := []string{
		"orders/1/_SUCCESS",
		"orders/1/chunk_000000.parquet",
		"orders/1/chunk_000001.parquet",
		"orders/1/chunk_000002.parquet",
		"orders/1/schema.parquet",
	}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("keys = %v", keys)
	}
	marker, _ := store.Get(ctx, objstore.SuccessKey("orders", 1))
	if !strings.Contains(string(marker), "Total rows: 5") {
		t.Errorf("marker = %q", marker)
	}

	data, _ := store.Get(ctx, "orders/1/chunk_000002.parquet")
	rows, err := columnar.ReadRows(data)
	if err != nil || len(rows) != 1 || *rows[0]["name"] != "row-4" {
		t.Errorf("last chunk = %v, %v", rows, err)
	}

	// The partition predicate and paging reach the reader.
	q := r.queries[1]
	if q.Offset != 2 || q.Limit != 2 || !strings.Contains(q.Where, "BETWEEN") {
		t.Errorf("second query = %+v", q)
	}
	if q.Args[0] != int64(5) || q.Args[1] != int64(9) {
		t.Errorf("range args = %v, want [5 9]", q.Args)
	}
}

func TestRunExactMultipleReadsOnePastEnd(t *testing.T) {
	r := &fakeReader{columns: []string{"id", "name"}, rows: table(4), failAt: -1}
	w, _ := testWorker(r)
	res, err := w.Run(context.Background(), rangeTask(2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Chunks != 2 || len(r.queries) != 3 {
		t.Errorf("chunks = %d, queries = %d; want 2 and 3", res.Chunks, len(r.queries))
	}
}

func TestRunEmptyPartitionStillWritesSchema(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{columns: []string{"id", "name"}, failAt: -1}
	w, store := testWorker(r)

	res, err := w.Run(ctx, rangeTask(100))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Rows != 0 || res.Chunks != 0 {
		t.Errorf("result = %+v", res)
	}
	data, err := store.Get(ctx, objstore.SchemaKey("orders", 1))
	if err != nil {
		t.Fatalf("schema missing: %v", err)
	}
	fields, err := columnar.ReadSchema(data)
	if err != nil || len(fields) != 2 {
		t.Errorf("schema fields = %v, %v", fields, err)
	}
	if ok, _ := store.Exists(ctx, objstore.SuccessKey("orders", 1)); !ok {
		t.Error("marker missing for empty partition")
	}
}

func TestRunFailureLeavesNoMarker(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{columns: []string{"id", "name"}, rows: table(5), failAt: 2}
	w, store := testWorker(r)

	if _, err := w.Run(ctx, rangeTask(2)); err == nil {
		t.Fatal("expected error")
	}
	if ok, _ := store.Exists(ctx, objstore.SuccessKey("orders", 1)); ok {
		t.Error("marker written despite failure")
	}
	// Data written before the failure does not make the partition complete.
	if ok, _ := store.Exists(ctx, objstore.ChunkKey("orders", 1, 0)); !ok {
		t.Error("first chunk should have been staged")
	}
}

func TestRunClearsStaleFiles(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{columns: []string{"id", "name"}, rows: table(1), failAt: -1}
	w, store := testWorker(r)
	_ = store.Put(ctx, objstore.ChunkKey("orders", 1, 7), []byte("stale"), "")
	_ = store.Put(ctx, objstore.ChunkKey("orders", 0, 0), []byte("other partition"), "")

	if _, err := w.Run(ctx, rangeTask(10)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ok, _ := store.Exists(ctx, objstore.ChunkKey("orders", 1, 7)); ok {
		t.Error("stale chunk survived")
	}
	if ok, _ := store.Exists(ctx, objstore.ChunkKey("orders", 0, 0)); !ok {
		t.Error("other partition was touched")
	}
}

func TestRunRejectsBadPartition(t *testing.T) {
	w, _ := testWorker(&fakeReader{failAt: -1})
	task := rangeTask(10)
	task.Partition = 5
	_, err := w.Run(context.Background(), task)
	if model.KindOf(err) != model.KindDataShape {
		t.Errorf("err = %v, kind %v", err, model.KindOf(err))
	}
}

func TestTaskFromEnv(t *testing.T) {
	env := map[string]string{
		model.EnvTableName:       "orders",
		model.EnvPartitionID:     "3",
		model.EnvTotalPartitions: "8",
		model.EnvPrimaryKey:      "order_id",
		model.EnvPrimaryKeyVal:   "1200",
		model.EnvKeyMode:         "RANGE",
		model.EnvMinKey:          "1201",
		model.EnvMaxKey:          "9000",
	}
	task, err := TaskFromEnv(func(k string) string { return env[k] }, 500)
	if err != nil {
		t.Fatalf("TaskFromEnv: %v", err)
	}
	if task.Table != "orders" || task.Partition != 3 || task.PrimaryKey != "order_id" || task.ChunkSize != 500 {
		t.Errorf("task = %+v", task)
	}
	s := task.Scheme
	if s.Mode != model.KeyModeRange || s.Total != 8 || s.Min != 1201 || s.Max != 9000 || s.After == nil || *s.After != 1200 {
		t.Errorf("scheme = %+v", s)
	}
}

func TestTaskFromEnvDefaultsAndErrors(t *testing.T) {
	env := map[string]string{
		model.EnvTableName:       "codes",
		model.EnvPartitionID:     "0",
		model.EnvTotalPartitions: "1",
		model.EnvKeyMode:         "hash",
		model.EnvKeyEmpty:        "true",
	}
	task, err := TaskFromEnv(func(k string) string { return env[k] }, 10)
	if err != nil {
		t.Fatalf("TaskFromEnv: %v", err)
	}
	if task.PrimaryKey != "id" || task.Scheme.Mode != model.KeyModeHash || !task.Scheme.Empty || task.Scheme.After != nil {
		t.Errorf("task = %+v", task)
	}

	_, err = TaskFromEnv(func(k string) string { return "" }, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{model.EnvTableName, model.EnvPartitionID, model.EnvTotalPartitions} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}
