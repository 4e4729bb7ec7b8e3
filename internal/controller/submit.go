package controller

import (
	"context"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"

	"github.com/me/etlorch/internal/jobs"
	"github.com/me/etlorch/internal/objstore"
	"github.com/me/etlorch/internal/partition"
	"github.com/me/etlorch/pkg/model"
)

// startRun plans a fresh run: snapshot the key bounds, size the table, pin
// the plan in a manifest and fan out one extraction job per partition.
func (r *pipelineRun) startRun(ctx context.Context) error {
	table := r.p.SourceTable
	key := r.p.PrimaryKeyColumn
	if key == "" {
		k, err := r.c.catalog.PrimaryKey(ctx, table)
		if err != nil {
			return model.NewError(model.KindConnectivity, "discover primary key", err)
		}
		key = k
	}

	after := r.p.LowerBound()
	bounds, err := r.c.catalog.KeyBounds(ctx, table, key, after)
	if err != nil {
		return model.NewError(model.KindConnectivity, "read key bounds", err)
	}
	mode := model.KeyModeRange
	if !bounds.Numeric {
		mode = model.KeyModeHash
		if after != nil {
			r.log.Warn("incremental refresh needs an integer key, extracting the full table", "key", key)
			after = nil
		}
	}

	size, err := r.c.catalog.EstimateSize(ctx, table, key, after)
	if err != nil {
		return model.NewError(model.KindConnectivity, "estimate table size", err)
	}
	total := partition.Count(size, r.c.sizing)
	switch {
	case bounds.Empty:
		total = 1
	case mode == model.KeyModeRange:
		if keys := bounds.Max - bounds.Min + 1; keys > 0 && int64(total) > keys {
			total = int(keys)
		}
	}

	if mode == model.KeyModeRange && !bounds.Empty {
		plan, err := partition.Ranges(bounds.Min, bounds.Max, total)
		if err != nil {
			return model.NewError(model.KindDataShape, "plan key ranges", err)
		}
		r.log.Debug("partition plan", "ranges", plan)
	}

	m := &model.RunManifest{
		RunID:           uuid.NewString(),
		PipelineID:      r.p.PipelineID,
		Table:           table,
		TotalPartitions: total,
		KeyMode:         mode,
		PrimaryKey:      key,
		MinKey:          bounds.Min,
		MaxKey:          bounds.Max,
		Empty:           bounds.Empty,
		LowerBound:      after,
		CreatedAt:       r.c.now().UTC(),
	}

	// Markers left by an earlier run must not count toward this one.
	cleared, err := r.c.store.DeletePrefix(ctx, objstore.TablePrefix(table))
	if err != nil {
		return model.NewError(model.KindConnectivity, "clear staging prefix", err)
	}
	if err := r.saveManifest(ctx, m); err != nil {
		return err
	}
	r.log.Info("starting run",
		"run_id", m.RunID,
		"partitions", total,
		"key", key,
		"key_mode", mode,
		"min_key", bounds.Min,
		"max_key", bounds.Max,
		"empty", bounds.Empty,
		"size", humanize.IBytes(uint64(size*(1<<30))),
		"cleared_objects", cleared,
	)

	// A fan-out only starts when the table has no extraction jobs, so the
	// per-table limit has room. It is not re-checked between submissions.
	submitted := 0
	for _, p := range m.Partitions() {
		ok, err := r.submitExtraction(ctx, m, p, 0)
		if err != nil {
			return err
		}
		if ok {
			submitted++
		}
	}
	r.log.Info("extraction fan-out done", "submitted", submitted, "partitions", total)
	return nil
}

// fillGaps submits extraction jobs for manifest partitions that have neither
// a job nor a marker, typically after a rejected submission.
func (r *pipelineRun) fillGaps(ctx context.Context, m *model.RunManifest, extracts []jobs.Job, marked map[int]bool) error {
	if m == nil {
		return nil
	}
	have := partitionsWithJobs(extracts)
	capacity := r.c.cfg.MaxConcurrentExtractions - jobs.Tally(extracts).Active
	for _, p := range m.Partitions() {
		if have[p] || marked[p] {
			continue
		}
		if capacity <= 0 {
			r.log.Debug("extraction limit reached, deferring", "partition", p)
			return nil
		}
		ok, err := r.submitExtraction(ctx, m, p, 0)
		if err != nil {
			return err
		}
		if ok {
			capacity--
		}
	}
	return nil
}

// advanceLoads resubmits failed loads and submits one load job per extracted
// partition that is neither loaded nor already being loaded.
func (r *pipelineRun) advanceLoads(ctx context.Context, m *model.RunManifest, required []int) error {
	loads, err := r.listJobs(ctx, model.StageLoad)
	if err != nil {
		return err
	}
	loaded, err := r.markers(ctx, required, objstore.LoadedKey)
	if err != nil {
		return err
	}
	failed := failedJobs(loads)
	r.countFailures(model.StageLoad, failed)
	if err := r.handleFailures(ctx, model.StageLoad, m, loads, loaded); err != nil {
		return err
	}

	have := partitionsWithJobs(loads)
	capacity := r.c.cfg.MaxConcurrentLoads - jobs.Tally(loads).Active
	for _, p := range required {
		if loaded[p] || have[p] {
			continue
		}
		if capacity <= 0 {
			r.log.Debug("load limit reached, deferring", "partition", p)
			return nil
		}
		ok, err := r.submitLoad(ctx, m, p, 0)
		if err != nil {
			return err
		}
		if ok {
			capacity--
		}
	}
	return nil
}

// handleFailures applies the retry policy to jobs that exhausted their
// backoff. A failed partition is resubmitted until MaxResubmits replacements
// have been tried, then the pipeline fails. Failed jobs whose partition has
// since succeeded are deleted.
func (r *pipelineRun) handleFailures(ctx context.Context, stage model.Stage, m *model.RunManifest, js []jobs.Job, marked map[int]bool) error {
	healthy := make(map[int]bool)
	failed := make(map[int][]jobs.Job)
	for _, j := range js {
		if j.Partition < 0 {
			continue
		}
		switch {
		case j.IsActive(), j.IsSucceeded():
			healthy[j.Partition] = true
		case j.ExceededBackoff():
			failed[j.Partition] = append(failed[j.Partition], j)
		}
	}

	parts := make([]int, 0, len(failed))
	for p := range failed {
		parts = append(parts, p)
	}
	sort.Ints(parts)

	for _, p := range parts {
		if healthy[p] {
			continue
		}
		if marked[p] {
			r.deleteJobs(ctx, failed[p], "superseded")
			continue
		}
		attempt := 0
		for _, j := range failed[p] {
			attempt = max(attempt, j.Attempt)
		}
		if attempt >= r.c.cfg.MaxResubmits || (m == nil && stage == model.StageExtract) {
			return r.fail(ctx, fmt.Errorf("%w: %s of partition %d failed after %d attempts",
				ErrPermanentFault, stage, p, attempt+1))
		}

		var ok bool
		var err error
		if stage == model.StageExtract {
			ok, err = r.submitExtraction(ctx, m, p, attempt+1)
		} else {
			ok, err = r.submitLoad(ctx, m, p, attempt+1)
		}
		if err != nil {
			return err
		}
		if ok {
			r.deleteJobs(ctx, failed[p], "replaced")
		}
	}
	return nil
}

// fail marks the pipeline Failed and returns cause.
func (r *pipelineRun) fail(ctx context.Context, cause error) error {
	if err := r.setStatus(ctx, model.StatusFailed); err != nil {
		return err
	}
	r.c.metrics.RunFinished(r.p.SourceTable, "failed")
	return cause
}

func (r *pipelineRun) submitExtraction(ctx context.Context, m *model.RunManifest, p, attempt int) (bool, error) {
	job, err := r.c.renderer.Extraction(jobs.ExtractionSpec{
		PipelineID: r.p.PipelineID,
		RunID:      m.RunID,
		Table:      r.p.SourceTable,
		Partition:  p,
		PrimaryKey: m.PrimaryKey,
		Scheme:     partition.SchemeFromManifest(m),
		Attempt:    attempt,
	})
	if err != nil {
		return false, fmt.Errorf("render extraction job: %w", err)
	}
	return r.submit(ctx, model.StageExtract, job, p, attempt)
}

func (r *pipelineRun) submitLoad(ctx context.Context, m *model.RunManifest, p, attempt int) (bool, error) {
	dest := r.p.DestinationTable
	if dest == "" {
		dest = model.DestinationTable(r.p.SourceTable, r.c.destSuffix)
	}
	runID := ""
	if m != nil {
		runID = m.RunID
	}
	job, err := r.c.renderer.Load(jobs.LoadSpec{
		PipelineID:       r.p.PipelineID,
		RunID:            runID,
		Table:            r.p.SourceTable,
		DestinationTable: dest,
		Partition:        p,
		Attempt:          attempt,
	})
	if err != nil {
		return false, fmt.Errorf("render load job: %w", err)
	}
	return r.submit(ctx, model.StageLoad, job, p, attempt)
}

// submit paces and creates one job. A rejected job is logged and skipped;
// the next pass notices the gap.
func (r *pipelineRun) submit(ctx context.Context, stage model.Stage, spec *batchv1.Job, p, attempt int) (bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}
	job, err := r.c.runtime.Create(ctx, spec)
	if err != nil {
		r.log.Error("job submission failed", "stage", stage, "partition", p, "attempt", attempt, "error", err)
		return false, nil
	}
	r.c.metrics.JobCreated(stage, r.p.SourceTable)
	r.log.Info("job submitted", "stage", stage, "job", job.Name, "partition", p, "attempt", attempt)
	return true, nil
}

func (r *pipelineRun) deleteJobs(ctx context.Context, js []jobs.Job, reason string) {
	for _, j := range js {
		if err := r.c.runtime.Delete(ctx, j.Name); err != nil {
			r.log.Warn("deleting job failed", "job", j.Name, "error", err)
			continue
		}
		r.log.Info("deleted failed job", "job", j.Name, "reason", reason)
	}
}

func partitionsWithJobs(js []jobs.Job) map[int]bool {
	have := make(map[int]bool, len(js))
	for _, j := range js {
		if j.Partition >= 0 {
			have[j.Partition] = true
		}
	}
	return have
}

func failedJobs(js []jobs.Job) []jobs.Job {
	var out []jobs.Job
	for _, j := range js {
		if !j.IsActive() && j.ExceededBackoff() {
			out = append(out, j)
		}
	}
	return out
}
