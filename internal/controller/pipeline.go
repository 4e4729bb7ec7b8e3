package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/me/etlorch/internal/jobs"
	"github.com/me/etlorch/internal/objstore"
	"github.com/me/etlorch/internal/observability"
	"github.com/me/etlorch/pkg/model"
)

// pipelineRun is the state one loop keeps between iterations. Everything
// else is re-read from the registry, the cluster and the store every pass.
type pipelineRun struct {
	c       *Controller
	p       *model.PipelineConfig
	log     *slog.Logger
	limiter *rate.Limiter
	status  model.PipelineStatus
	wake    <-chan struct{}
	// failedSeen keeps the failure counter at one increment per job.
	failedSeen map[string]bool
}

func (c *Controller) newRun(p *model.PipelineConfig) *pipelineRun {
	limit := rate.Inf
	if c.cfg.SubmitInterval > 0 {
		limit = rate.Every(c.cfg.SubmitInterval)
	}
	status := p.Status
	if status == "" {
		status = model.StatusIdle
	}
	return &pipelineRun{
		c:          c,
		p:          p,
		log:        c.logger.With("pipeline_id", p.PipelineID, "table", p.SourceTable),
		limiter:    rate.NewLimiter(limit, 1),
		status:     status,
		failedSeen: make(map[string]bool),
	}
}

// RunPipeline drives one pipeline until its run completes, it fails
// permanently or ctx ends. Transient errors are logged and retried after the
// error backoff.
func (c *Controller) RunPipeline(ctx context.Context, p *model.PipelineConfig) error {
	r := c.newRun(p)
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.log.Info("pipeline loop started", "refresh_type", p.RefreshType)
	for {
		r.ensureWatch(watchCtx)
		done, err := r.tick(ctx)
		r.record(err, done)
		if done {
			r.log.Info("pipeline run completed")
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrPermanentFault) {
				r.log.Error("pipeline loop stopped", "error", err)
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("iteration failed", "error", err, "retry_in", c.cfg.ErrorBackoff)
			if !sleep(ctx, c.cfg.ErrorBackoff) {
				return ctx.Err()
			}
			continue
		}
		if !r.wait(ctx) {
			return ctx.Err()
		}
	}
}

// tick runs one reconciliation pass. done reports that the run finished and
// its bookkeeping was written.
func (r *pipelineRun) tick(ctx context.Context) (done bool, err error) {
	ctx, span := observability.StartSpan(ctx, "controller.tick",
		attribute.String("pipeline_id", r.p.PipelineID),
		attribute.String("table", r.p.SourceTable),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Step 1: mark the loop alive.
	if err := r.setStatus(ctx, model.StatusInProgress); err != nil {
		return false, err
	}

	// Step 2: judge extraction.
	m, err := r.loadManifest(ctx)
	if err != nil {
		return false, err
	}
	extracts, err := r.listJobs(ctx, model.StageExtract)
	if err != nil {
		return false, err
	}
	required := requiredPartitions(m, extracts)
	extracted, err := r.markers(ctx, required, objstore.SuccessKey)
	if err != nil {
		return false, err
	}
	ext := evaluateCompletion(required, extracts, extracted)
	r.countFailures(model.StageExtract, ext.Failed)
	r.c.tracker.Update(r.p.PipelineID, func(s *Snapshot) {
		s.TotalPartitions = len(required)
		s.Extracted = len(required) - len(ext.Missing)
		if m != nil {
			s.RunID = m.RunID
		}
	})
	r.log.Debug("extraction state", "complete", ext.Complete, "reason", ext.Reason,
		"required", len(required), "missing", len(ext.Missing), "active", ext.Active)

	// Step 3: advance whichever stage is current.
	switch {
	case ext.Complete:
		if err := r.setStatus(ctx, model.StatusLoaderInProgress); err != nil {
			return false, err
		}
		if err := r.advanceLoads(ctx, m, required); err != nil {
			return false, err
		}
	case m == nil && len(extracts) == 0:
		if err := r.setStatus(ctx, model.StatusExtractInProgress); err != nil {
			return false, err
		}
		if err := r.startRun(ctx); err != nil {
			return false, err
		}
	default:
		if err := r.setStatus(ctx, model.StatusExtractInProgress); err != nil {
			return false, err
		}
		if err := r.handleFailures(ctx, model.StageExtract, m, extracts, extracted); err != nil {
			return false, err
		}
		if err := r.fillGaps(ctx, m, extracts, extracted); err != nil {
			return false, err
		}
	}

	// Step 4: reap old terminal jobs.
	r.reap(ctx)

	// Step 5: reconcile gauges and clear succeeded jobs.
	activeExtracts, err := r.reconcile(ctx, model.StageExtract)
	if err != nil {
		return false, err
	}
	activeLoads, err := r.reconcile(ctx, model.StageLoad)
	if err != nil {
		return false, err
	}
	r.c.tracker.Update(r.p.PipelineID, func(s *Snapshot) {
		s.ActiveExtracts = activeExtracts
		s.ActiveLoads = activeLoads
	})

	// Step 6: finish once both stages are idle and every partition landed.
	if !ext.Complete || activeExtracts > 0 || activeLoads > 0 {
		return false, nil
	}
	loaded, err := r.markers(ctx, required, objstore.LoadedKey)
	if err != nil {
		return false, err
	}
	if n := countMissing(required, loaded); n > 0 {
		r.log.Debug("waiting for loads", "unloaded", n)
		return false, nil
	}
	if err := r.finish(ctx, m, required); err != nil {
		return false, err
	}
	return true, nil
}

// setStatus writes status to the registry. Transitions outside the lifecycle
// are logged and written anyway; the registry reflects what the loop does.
func (r *pipelineRun) setStatus(ctx context.Context, next model.PipelineStatus) error {
	if r.status != next && !r.status.CanTransitionTo(next) {
		r.log.Warn("unexpected status transition", "from", r.status, "to", next)
	}
	if err := r.c.registry.UpdateStatus(ctx, r.p.PipelineID, next); err != nil {
		return model.NewError(model.KindConnectivity, "update pipeline status", err)
	}
	if r.status != next {
		r.log.Debug("status changed", "from", r.status, "to", next)
	}
	r.status = next
	r.c.tracker.Update(r.p.PipelineID, func(s *Snapshot) { s.Status = next })
	return nil
}

func (r *pipelineRun) listJobs(ctx context.Context, stage model.Stage) ([]jobs.Job, error) {
	js, err := r.c.runtime.List(ctx, jobs.Selector{Stage: stage, Table: r.p.SourceTable})
	if err != nil {
		return nil, model.NewError(model.KindConnectivity, "list "+string(stage)+" jobs", err)
	}
	return js, nil
}

// markers reports which partitions carry the marker object named by key.
func (r *pipelineRun) markers(ctx context.Context, parts []int, key func(string, int) string) (map[int]bool, error) {
	found := make(map[int]bool, len(parts))
	for _, p := range parts {
		ok, err := r.c.store.Exists(ctx, key(r.p.SourceTable, p))
		if err != nil {
			return nil, model.NewError(model.KindConnectivity, "check partition marker", err)
		}
		if ok {
			found[p] = true
		}
	}
	return found, nil
}

func countMissing(parts []int, marked map[int]bool) int {
	n := 0
	for _, p := range parts {
		if !marked[p] {
			n++
		}
	}
	return n
}

func (r *pipelineRun) countFailures(stage model.Stage, failed []jobs.Job) {
	for _, j := range failed {
		if r.failedSeen[j.Name] {
			continue
		}
		r.failedSeen[j.Name] = true
		r.c.metrics.JobFailed(stage, r.p.SourceTable)
		r.log.Warn("job exceeded backoff limit", "stage", stage, "job", j.Name,
			"partition", j.Partition, "failures", j.Failed)
	}
}

func (r *pipelineRun) record(err error, done bool) {
	now := r.c.now()
	r.c.tracker.Update(r.p.PipelineID, func(s *Snapshot) {
		s.Table = r.p.SourceTable
		s.Iterations++
		s.LastTick = now
		s.Done = done || errors.Is(err, ErrPermanentFault)
		s.LastError = ""
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

// ensureWatch subscribes to job events for this table. Without a watch the
// loop falls back to the poll interval.
func (r *pipelineRun) ensureWatch(ctx context.Context) {
	if !r.c.cfg.Watch || r.wake != nil {
		return
	}
	ch, err := r.c.runtime.Watch(ctx, jobs.Selector{Table: r.p.SourceTable})
	if err != nil {
		r.log.Warn("job watch unavailable, polling only", "error", err)
		return
	}
	r.wake = ch
}

// wait blocks until the next pass is due: the poll interval elapses or a
// watched job changes.
func (r *pipelineRun) wait(ctx context.Context) bool {
	t := time.NewTimer(r.c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case _, ok := <-r.wake:
			if !ok {
				// A broken watch falls back to the poll interval; the next
				// pass subscribes again.
				r.log.Debug("job watch closed")
				r.wake = nil
				continue
			}
			if !sleep(ctx, r.c.settle) {
				return false
			}
			r.drainWake()
			return true
		}
	}
}

func (r *pipelineRun) drainWake() {
	for {
		select {
		case _, ok := <-r.wake:
			if !ok {
				r.wake = nil
				return
			}
		default:
			return
		}
	}
}
