package controller

import (
	"sort"

	"github.com/me/etlorch/internal/jobs"
	"github.com/me/etlorch/pkg/model"
)

// completion is the verdict on one stage of a run.
type completion struct {
	Complete bool
	Reason   string
	Required []int
	Missing  []int // required partitions without a marker
	Active   int
	Failed   []jobs.Job // jobs that exhausted their retry budget
}

// requiredPartitions is the union of the manifest's partitions and the
// partition labels of the listed jobs. Either source alone suffices, so
// reaped jobs or a lost manifest do not hide a partition.
func requiredPartitions(m *model.RunManifest, js []jobs.Job) []int {
	set := make(map[int]bool)
	if m != nil {
		for _, p := range m.Partitions() {
			set[p] = true
		}
	}
	for _, j := range js {
		if j.Partition >= 0 {
			set[j.Partition] = true
		}
	}
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// evaluateCompletion decides whether every required partition of a stage
// is durably done. Markers are consulted whether or not job objects still
// exist; any active or backoff-exhausted job holds completion back.
func evaluateCompletion(required []int, js []jobs.Job, marked map[int]bool) completion {
	c := completion{Required: required}
	for _, j := range js {
		switch {
		case j.IsActive():
			c.Active++
		case j.ExceededBackoff():
			c.Failed = append(c.Failed, j)
		}
	}
	for _, p := range required {
		if !marked[p] {
			c.Missing = append(c.Missing, p)
		}
	}

	switch {
	case c.Active > 0:
		c.Reason = "jobs active"
	case len(c.Failed) > 0:
		c.Reason = "jobs exceeded backoff limit"
	case len(required) == 0:
		c.Reason = "no jobs or manifest"
	case len(c.Missing) > 0:
		c.Reason = "partitions unmarked"
	default:
		c.Complete = true
	}
	return c
}
