package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/etlorch/internal/config"
	"github.com/me/etlorch/internal/controller"
	"github.com/me/etlorch/internal/metrics"
	"github.com/me/etlorch/internal/registry"
	"github.com/me/etlorch/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServer(t *testing.T) (*Server, *registry.SQLRegistry, *controller.Tracker, *metrics.Metrics) {
	t.Helper()
	reg, err := registry.Open(registry.DriverSQLite, ":memory:", testLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if err := reg.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	tracker := controller.NewTracker()
	m := metrics.New()
	return New(config.ServerConfig{Addr: ":0"}, reg, tracker, m, testLogger()), reg, tracker, m
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
}

func doGet(t *testing.T, srv *Server, path string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("GET %s: status=%d, want %d, body=%s", path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", path, err)
	}
	return env
}

func TestDiscovery(t *testing.T) {
	srv, _, _, _ := testServer(t)
	env := doGet(t, srv, "/api/v1/", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}
	var data discoveryResponse
	json.Unmarshal(env.Data, &data)
	if len(data.Endpoints) < 5 {
		t.Errorf("endpoints = %d, want >= 5", len(data.Endpoints))
	}
}

func TestHealthz(t *testing.T) {
	srv, _, tracker, _ := testServer(t)
	tracker.Update("p1", func(s *controller.Snapshot) { s.Done = true })
	tracker.Update("p2", func(s *controller.Snapshot) {})

	env := doGet(t, srv, "/healthz", http.StatusOK)
	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Pipelines != 2 || data.Running != 1 {
		t.Errorf("health = %+v", data)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _, m := testServer(t)
	m.JobCreated(model.StageExtract, "orders")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `etl_jobs_created_total{job_type="extraction",table="orders"} 1`) {
		t.Errorf("metrics body missing counter:\n%s", w.Body.String())
	}
}

func TestListPipelines(t *testing.T) {
	srv, _, tracker, _ := testServer(t)
	tracker.Update("p-b", func(s *controller.Snapshot) { s.Table = "b"; s.Status = model.StatusExtractInProgress })
	tracker.Update("p-a", func(s *controller.Snapshot) { s.Table = "a"; s.Status = model.StatusLoaderInProgress })

	env := doGet(t, srv, "/api/v1/pipelines", http.StatusOK)
	var snaps []controller.Snapshot
	if err := json.Unmarshal(env.Data, &snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 2 || snaps[0].PipelineID != "p-a" || snaps[1].Status != model.StatusExtractInProgress {
		t.Errorf("snapshots = %+v", snaps)
	}
}

func TestGetPipeline(t *testing.T) {
	srv, reg, tracker, _ := testServer(t)
	ctx := context.Background()
	if err := reg.UpsertPipeline(ctx, &model.PipelineConfig{PipelineID: "p1", SourceTable: "orders"}); err != nil {
		t.Fatal(err)
	}
	tracker.Update("p1", func(s *controller.Snapshot) { s.Iterations = 4 })

	env := doGet(t, srv, "/api/v1/pipelines/p1", http.StatusOK)
	var detail pipelineDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Pipeline == nil || detail.Pipeline.DestinationTable != "orders_processed" {
		t.Errorf("pipeline = %+v", detail.Pipeline)
	}
	if detail.Loop == nil || detail.Loop.Iterations != 4 {
		t.Errorf("loop = %+v", detail.Loop)
	}

	env = doGet(t, srv, "/api/v1/pipelines/missing", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != "NOT_FOUND" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestListRuns(t *testing.T) {
	srv, reg, _, _ := testServer(t)
	ctx := context.Background()
	if err := reg.UpsertPipeline(ctx, &model.PipelineConfig{PipelineID: "p1", SourceTable: "orders"}); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := reg.AppendRun(ctx, &model.RunRecord{
			PipelineID:       "p1",
			RunDate:          base.AddDate(0, 0, i),
			NextRefreshDate:  base.AddDate(0, 0, i+1),
			RefreshTimestamp: base.AddDate(0, 0, i),
			MaxID:            int64(100 * (i + 1)),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	env := doGet(t, srv, "/api/v1/pipelines/p1/runs?limit=2", http.StatusOK)
	var runs []model.RunRecord
	if err := json.Unmarshal(env.Data, &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 2 || runs[0].MaxID != 300 {
		t.Errorf("runs = %+v", runs)
	}

	doGet(t, srv, "/api/v1/pipelines/p1/runs?limit=x", http.StatusBadRequest)
	doGet(t, srv, "/api/v1/pipelines/nope/runs", http.StatusNotFound)
}

func TestRequestIDHeader(t *testing.T) {
	srv, _, _, _ := testServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if id := w.Header().Get("X-Request-ID"); !strings.HasPrefix(id, "req_") {
		t.Errorf("X-Request-ID = %q", id)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv, _, _, _ := testServer(t)
	srv.config.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRequestIDFromCaller(t *testing.T) {
	srv, _, _, _ := testServer(t)
	tests := []struct {
		header string
		keep   bool
	}{
		{header: "trace-42.a_b", keep: true},
		{header: "bad id!", keep: false},
		{header: strings.Repeat("x", maxRequestIDLen+1), keep: false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/api/v1/health", nil)
		req.Header.Set("X-Request-ID", tt.header)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		got := w.Header().Get("X-Request-ID")
		if tt.keep && got != tt.header {
			t.Errorf("X-Request-ID %q replaced with %q", tt.header, got)
		}
		if !tt.keep && !strings.HasPrefix(got, "req_") {
			t.Errorf("X-Request-ID %q kept as %q", tt.header, got)
		}
	}
}

func TestRequestLogCarriesRouteAndPipeline(t *testing.T) {
	reg, err := registry.Open(registry.DriverSQLite, ":memory:", testLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if err := reg.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	srv := New(config.ServerConfig{Addr: ":0"}, reg, controller.NewTracker(), metrics.New(), logger)

	req := httptest.NewRequest("GET", "/api/v1/pipelines/p-orders/runs", nil)
	req.Header.Set("X-Request-ID", "trace-7")
	srv.ServeHTTP(httptest.NewRecorder(), req)
	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))

	out := buf.String()
	for _, want := range []string{"route=/api/v1/pipelines/{id}/runs", "pipeline_id=p-orders", "request_id=trace-7", "bytes="} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q in %s", want, out)
		}
	}
	if strings.Contains(out, "path=/healthz") {
		t.Error("health check logged at INFO")
	}
}

func TestRequestLevel(t *testing.T) {
	tests := []struct {
		route  string
		status int
		want   slog.Level
	}{
		{"/healthz", http.StatusOK, slog.LevelDebug},
		{"/metrics", http.StatusOK, slog.LevelDebug},
		{"/healthz", http.StatusServiceUnavailable, slog.LevelError},
		{"/api/v1/pipelines/{id}", http.StatusNotFound, slog.LevelWarn},
		{"/api/v1/pipelines", http.StatusOK, slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := requestLevel(tt.route, tt.status); got != tt.want {
			t.Errorf("requestLevel(%q, %d) = %v, want %v", tt.route, tt.status, got, tt.want)
		}
	}
}
