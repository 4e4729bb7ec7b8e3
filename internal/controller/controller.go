// Package controller runs one reconciliation loop per pipeline, driving each
// table through extraction, loading and run bookkeeping.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/etlorch/internal/config"
	"github.com/me/etlorch/internal/jobs"
	"github.com/me/etlorch/internal/metrics"
	"github.com/me/etlorch/internal/objstore"
	"github.com/me/etlorch/internal/partition"
	"github.com/me/etlorch/internal/registry"
	"github.com/me/etlorch/internal/source"
	"github.com/me/etlorch/pkg/model"
)

// ErrPermanentFault ends a pipeline's loop. The pipeline is marked Failed
// and needs an operator before it runs again.
var ErrPermanentFault = errors.New("pipeline failed permanently")

// settleDelay coalesces bursts of job events after a watch wake-up.
const settleDelay = time.Second

// Deps are the collaborators shared by every pipeline loop.
type Deps struct {
	Registry registry.Registry
	Catalog  source.Catalog
	Store    objstore.Store
	Runtime  jobs.Runtime
	Renderer *jobs.Renderer
	Metrics  *metrics.Metrics
	Tracker  *Tracker
	Logger   *slog.Logger
	// DestinationSuffix names warehouse tables for pipelines that do not
	// set one.
	DestinationSuffix string
}

// Controller supervises the pipeline loops.
type Controller struct {
	cfg        config.ControllerConfig
	registry   registry.Registry
	catalog    source.Catalog
	store      objstore.Store
	runtime    jobs.Runtime
	renderer   *jobs.Renderer
	metrics    *metrics.Metrics
	tracker    *Tracker
	logger     *slog.Logger
	destSuffix string
	sizing     partition.Sizing

	now    func() time.Time
	settle time.Duration
}

// New creates a controller. A nil Metrics or Tracker gets a private one.
func New(cfg config.ControllerConfig, d Deps) *Controller {
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Tracker == nil {
		d.Tracker = NewTracker()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Controller{
		cfg:        cfg,
		registry:   d.Registry,
		catalog:    d.Catalog,
		store:      d.Store,
		runtime:    d.Runtime,
		renderer:   d.Renderer,
		metrics:    d.Metrics,
		tracker:    d.Tracker,
		logger:     d.Logger.With("component", "controller"),
		destSuffix: d.DestinationSuffix,
		sizing: partition.Sizing{
			Min:     cfg.MinPartitions,
			Max:     cfg.MaxPartitions,
			PerUnit: cfg.SizePerPartition,
		},
		now:    time.Now,
		settle: settleDelay,
	}
}

// Tracker returns the snapshot store fed by the loops.
func (c *Controller) Tracker() *Tracker {
	return c.tracker
}

// Run starts one loop per registered pipeline and blocks until all of them
// finish. A failing or panicking loop does not stop the others. The returned
// error joins every loop's failure.
func (c *Controller) Run(ctx context.Context) error {
	pipelines, err := c.listPipelines(ctx)
	if err != nil {
		return err
	}
	if len(pipelines) == 0 {
		c.logger.Info("no pipelines to run")
		return nil
	}
	c.logger.Info("starting pipeline loops", "count", len(pipelines))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, p := range pipelines {
		g.Go(func() error {
			err := c.runGuarded(ctx, p)
			if err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("pipeline %s: %w", p.PipelineID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	c.logger.Info("all pipeline loops finished", "failed", len(errs))
	return errors.Join(errs...)
}

// listPipelines reads the registry once, retrying while it is unreachable.
func (c *Controller) listPipelines(ctx context.Context) ([]*model.PipelineConfig, error) {
	for {
		pipelines, err := c.registry.ListPipelines(ctx)
		if err == nil {
			return pipelines, nil
		}
		c.logger.Error("listing pipelines failed", "error", err, "retry_in", c.cfg.ErrorBackoff)
		if !sleep(ctx, c.cfg.ErrorBackoff) {
			return nil, ctx.Err()
		}
	}
}

func (c *Controller) runGuarded(ctx context.Context, p *model.PipelineConfig) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("pipeline loop panicked", "pipeline_id", p.PipelineID, "panic", r)
			c.tracker.Update(p.PipelineID, func(s *Snapshot) {
				s.Done = true
				s.LastError = fmt.Sprint(r)
			})
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.RunPipeline(ctx, p)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
