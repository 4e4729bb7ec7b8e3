package controller

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/me/etlorch/internal/jobs"
	"github.com/me/etlorch/internal/objstore"
	"github.com/me/etlorch/pkg/model"
)

// reap deletes terminal jobs created by this controller that finished
// before the retention window. It spans every table in the namespace.
// Failures are logged; the next pass tries again.
func (r *pipelineRun) reap(ctx context.Context) {
	js, err := r.c.runtime.List(ctx, jobs.Selector{CreatedBy: r.c.cfg.Name})
	if err != nil {
		r.log.Warn("listing jobs for reaping failed", "error", err)
		return
	}
	cutoff := r.c.now().Add(-r.c.cfg.RetentionWindow)
	for _, j := range js {
		if j.IsActive() || j.FinishedAt == nil || j.FinishedAt.After(cutoff) {
			continue
		}
		if err := r.c.runtime.Delete(ctx, j.Name); err != nil {
			r.log.Warn("reaping job failed", "job", j.Name, "error", err)
			continue
		}
		r.log.Info("reaped job", "job", j.Name, "finished_at", j.FinishedAt.Format(time.RFC3339))
	}
}

// reconcile publishes the active gauge for one stage and deletes succeeded
// jobs. It returns the number of active jobs.
func (r *pipelineRun) reconcile(ctx context.Context, stage model.Stage) (int, error) {
	js, err := r.listJobs(ctx, stage)
	if err != nil {
		return 0, err
	}
	active := 0
	for _, j := range js {
		switch {
		case j.IsActive():
			active++
		case j.IsSucceeded():
			if err := r.c.runtime.Delete(ctx, j.Name); err != nil {
				r.log.Warn("deleting succeeded job failed", "job", j.Name, "error", err)
				continue
			}
			r.c.metrics.JobCompleted(stage, r.p.SourceTable)
			r.log.Debug("cleared succeeded job", "job", j.Name)
		}
	}
	r.c.metrics.SetActive(stage, r.p.SourceTable, active)
	return active, nil
}

// finish records the run in the history, trims old runs, marks the pipeline
// Completed and drops the manifest. Retrying after a partial failure does
// not append the run twice.
func (r *pipelineRun) finish(ctx context.Context, m *model.RunManifest, required []int) error {
	runID := uuid.NewString()
	minID, maxID := r.p.MinID, r.p.MaxID
	if m != nil {
		runID = m.RunID
		if m.KeyMode == model.KeyModeRange && !m.Empty {
			minID, maxID = m.MinKey, m.MaxKey
		}
	}

	latest, err := r.c.registry.ListRuns(ctx, r.p.PipelineID, 1)
	if err != nil {
		return model.NewError(model.KindConnectivity, "read run history", err)
	}
	if len(latest) == 0 || latest[0].RunID != runID {
		now := r.c.now().UTC()
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		run := &model.RunRecord{
			RunID:            runID,
			PipelineID:       r.p.PipelineID,
			RunDate:          day,
			NextRefreshDate:  day.Add(r.c.cfg.RefreshInterval),
			RefreshTimestamp: now,
			MinID:            minID,
			MaxID:            maxID,
			Partitions:       len(required),
		}
		if err := r.c.registry.AppendRun(ctx, run); err != nil {
			return model.NewError(model.KindConnectivity, "append run", err)
		}
	}

	pruned, err := r.c.registry.PruneRuns(ctx, r.p.PipelineID, r.c.cfg.HistoryKeep)
	if err != nil {
		return model.NewError(model.KindConnectivity, "prune run history", err)
	}
	if err := r.setStatus(ctx, model.StatusCompleted); err != nil {
		return err
	}
	r.c.metrics.RunFinished(r.p.SourceTable, "completed")
	// The manifest goes last. While it exists a retried pass re-enters
	// finish instead of starting a new run over the loaded data.
	if err := r.c.store.Delete(ctx, objstore.ManifestKey(r.p.SourceTable)); err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return model.NewError(model.KindConnectivity, "delete run manifest", err)
	}
	r.log.Info("run recorded", "run_id", runID, "min_id", minID, "max_id", maxID,
		"partitions", len(required), "pruned_runs", pruned)
	return nil
}
