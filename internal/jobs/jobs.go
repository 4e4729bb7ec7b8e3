// Package jobs submits and observes extraction and load jobs on the cluster.
package jobs

import (
	"context"
	"strconv"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/me/etlorch/pkg/model"
)

// Labels carried by every job the controller creates.
const (
	LabelApp           = "app"
	LabelTable         = "table"
	LabelCreatedBy     = "created-by"
	LabelPartition     = "partition"
	LabelPrimaryKeyVal = "primary-key-val"
	LabelAttempt       = "attempt"
	LabelPipeline      = "pipeline-id"
)

// Runtime is the cluster job API the controller depends on. Job objects are
// never cached; callers list again on every pass.
type Runtime interface {
	List(ctx context.Context, sel Selector) ([]Job, error)
	Create(ctx context.Context, job *batchv1.Job) (Job, error)
	// Delete removes a job and its pods in the background. Deleting a job
	// that is already gone is not an error.
	Delete(ctx context.Context, name string) error
	// Watch signals on the returned channel whenever a matching job changes.
	// The channel closes when ctx ends or the watch breaks.
	Watch(ctx context.Context, sel Selector) (<-chan struct{}, error)
}

// Selector narrows a job listing. Zero fields are not constrained.
type Selector struct {
	Stage     model.Stage
	Table     string
	Partition *int
	CreatedBy string
}

// String renders the label selector.
func (s Selector) String() string {
	set := labels.Set{}
	if s.Stage != "" {
		set[LabelApp] = s.Stage.App()
	}
	if s.Table != "" {
		set[LabelTable] = LabelValue(s.Table)
	}
	if s.Partition != nil {
		set[LabelPartition] = strconv.Itoa(*s.Partition)
	}
	if s.CreatedBy != "" {
		set[LabelCreatedBy] = LabelValue(s.CreatedBy)
	}
	return labels.SelectorFromSet(set).String()
}

// Job is a point-in-time snapshot of one cluster job.
type Job struct {
	Name         string
	Stage        model.Stage
	Table        string
	Partition    int // -1 when the job has no partition label
	Attempt      int
	Active       int32
	Succeeded    int32
	Failed       int32
	BackoffLimit int32
	Labels       map[string]string
	CreatedAt    time.Time
	FinishedAt   *time.Time
	failedCond   bool
}

func (j Job) IsActive() bool { return j.Active > 0 }

// IsSucceeded reports a job that completed and has nothing left running.
func (j Job) IsSucceeded() bool { return j.Succeeded > 0 && j.Active == 0 }

// ExceededBackoff reports a job whose failures exhausted its retry budget.
func (j Job) ExceededBackoff() bool {
	return j.failedCond || j.Failed > j.BackoffLimit
}

// IsTerminal reports a job that will not run again on its own.
func (j Job) IsTerminal() bool {
	return j.Active == 0 && (j.Succeeded > 0 || j.ExceededBackoff() || j.FinishedAt != nil)
}

// FromKube snapshots a batch/v1 Job.
func FromKube(k *batchv1.Job) Job {
	j := Job{
		Name:      k.Name,
		Table:     k.Labels[LabelTable],
		Partition: -1,
		Active:    k.Status.Active,
		Succeeded: k.Status.Succeeded,
		Failed:    k.Status.Failed,
		Labels:    k.Labels,
		CreatedAt: k.CreationTimestamp.Time,
	}
	j.Stage, _ = model.StageForApp(k.Labels[LabelApp])
	if v, err := strconv.Atoi(k.Labels[LabelPartition]); err == nil {
		j.Partition = v
	}
	if v, err := strconv.Atoi(k.Labels[LabelAttempt]); err == nil {
		j.Attempt = v
	}
	// Kubernetes defaults backoffLimit to 6 when unset.
	j.BackoffLimit = 6
	if k.Spec.BackoffLimit != nil {
		j.BackoffLimit = *k.Spec.BackoffLimit
	}
	if k.Status.CompletionTime != nil {
		t := k.Status.CompletionTime.Time
		j.FinishedAt = &t
	}
	for _, c := range k.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobFailed:
			j.failedCond = true
			fallthrough
		case batchv1.JobComplete:
			if j.FinishedAt == nil {
				t := c.LastTransitionTime.Time
				j.FinishedAt = &t
			}
		}
	}
	return j
}

// Counts tallies job states for one stage of one table.
type Counts struct {
	Active    int
	Succeeded int
	Failed    int
}

// Tally counts active, succeeded and backoff-exhausted jobs.
func Tally(js []Job) Counts {
	var c Counts
	for _, j := range js {
		switch {
		case j.IsActive():
			c.Active++
		case j.IsSucceeded():
			c.Succeeded++
		case j.ExceededBackoff():
			c.Failed++
		}
	}
	return c
}
