// Package registry persists pipeline definitions and their run history.
package registry

import (
	"context"
	"errors"

	"github.com/me/etlorch/pkg/model"
)

// ErrNotFound is returned when a pipeline does not exist.
var ErrNotFound = errors.New("pipeline not found")

// Registry is the controller's system of record.
type Registry interface {
	// ListPipelines returns every non-skipped pipeline joined with its latest
	// watermark.
	ListPipelines(ctx context.Context) ([]*model.PipelineConfig, error)
	GetPipeline(ctx context.Context, pipelineID string) (*model.PipelineConfig, error)
	UpsertPipeline(ctx context.Context, p *model.PipelineConfig) error
	UpdateStatus(ctx context.Context, pipelineID string, status model.PipelineStatus) error

	// AppendRun inserts one history row. An empty RunID is generated.
	AppendRun(ctx context.Context, run *model.RunRecord) error
	// PruneRuns deletes all but the newest keep runs and reports how many
	// rows were removed.
	PruneRuns(ctx context.Context, pipelineID string, keep int) (int64, error)
	// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
	ListRuns(ctx context.Context, pipelineID string, limit int) ([]*model.RunRecord, error)

	Migrate(ctx context.Context) error
	Close() error
}
