package controller

import (
	"math/rand"
	"testing"
	"time"

	"github.com/me/etlorch/internal/jobs"
	"github.com/me/etlorch/pkg/model"
)

func job(p int, state string) jobs.Job {
	j := jobs.Job{
		Name:         "extract-orders-" + string(rune('a'+p)),
		Stage:        model.StageExtract,
		Table:        "orders",
		Partition:    p,
		BackoffLimit: 3,
	}
	switch state {
	case "active":
		j.Active = 1
	case "succeeded":
		j.Succeeded = 1
		now := time.Now()
		j.FinishedAt = &now
	case "failed":
		j.Failed = 4
	}
	return j
}

func marks(ps ...int) map[int]bool {
	m := make(map[int]bool)
	for _, p := range ps {
		m[p] = true
	}
	return m
}

func TestRequiredPartitions(t *testing.T) {
	m := &model.RunManifest{TotalPartitions: 3}
	js := []jobs.Job{job(4, "active"), {Partition: -1}}

	got := requiredPartitions(m, js)
	want := []int{0, 1, 2, 4}
	if len(got) != len(want) {
		t.Fatalf("required = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("required = %v, want %v", got, want)
		}
	}

	if got := requiredPartitions(nil, nil); len(got) != 0 {
		t.Errorf("required with nothing = %v, want empty", got)
	}
	if got := requiredPartitions(nil, []jobs.Job{job(1, "succeeded")}); len(got) != 1 || got[0] != 1 {
		t.Errorf("required from labels = %v, want [1]", got)
	}
}

func TestEvaluateCompletion(t *testing.T) {
	tests := []struct {
		name     string
		required []int
		jobs     []jobs.Job
		marked   map[int]bool
		want     bool
		reason   string
	}{
		{
			name:     "two of three marked with one active",
			required: []int{0, 1, 2},
			jobs:     []jobs.Job{job(0, "succeeded"), job(1, "succeeded"), job(2, "active")},
			marked:   marks(0, 1),
			want:     false,
			reason:   "jobs active",
		},
		{
			name:     "all marked and jobs reaped",
			required: []int{0, 1, 2},
			marked:   marks(0, 1, 2),
			want:     true,
		},
		{
			name:     "all marked and jobs succeeded",
			required: []int{0, 1, 2},
			jobs:     []jobs.Job{job(0, "succeeded"), job(1, "succeeded"), job(2, "succeeded")},
			marked:   marks(0, 1, 2),
			want:     true,
		},
		{
			name:     "marked but a job exhausted its backoff",
			required: []int{0, 1},
			jobs:     []jobs.Job{job(0, "failed")},
			marked:   marks(0, 1),
			want:     false,
			reason:   "jobs exceeded backoff limit",
		},
		{
			name:   "nothing required",
			want:   false,
			reason: "no jobs or manifest",
		},
		{
			name:     "marker missing with no jobs",
			required: []int{0, 1},
			marked:   marks(0),
			want:     false,
			reason:   "partitions unmarked",
		},
		{
			name:     "stray marker does not count",
			required: []int{0, 1},
			marked:   marks(0, 5),
			want:     false,
			reason:   "partitions unmarked",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := evaluateCompletion(tt.required, tt.jobs, tt.marked)
			if c.Complete != tt.want {
				t.Errorf("Complete = %v, want %v (reason %q)", c.Complete, tt.want, c.Reason)
			}
			if !tt.want && c.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", c.Reason, tt.reason)
			}
		})
	}
}

// The verdict must not depend on whether succeeded jobs were reaped before
// or after their markers were checked.
func TestCompletionIndependentOfReaping(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		total := 1 + rng.Intn(8)
		m := &model.RunManifest{TotalPartitions: total}

		var all []jobs.Job
		marked := make(map[int]bool)
		activeOrFailed := false
		for p := 0; p < total; p++ {
			switch rng.Intn(4) {
			case 0:
				all = append(all, job(p, "active"))
				activeOrFailed = true
			case 1:
				all = append(all, job(p, "failed"))
				activeOrFailed = true
			default:
				all = append(all, job(p, "succeeded"))
				if rng.Intn(5) > 0 {
					marked[p] = true
				}
			}
		}

		// Reap a random subset of the succeeded jobs.
		var listed []jobs.Job
		for _, j := range all {
			if j.IsSucceeded() && rng.Intn(2) == 0 {
				continue
			}
			listed = append(listed, j)
		}

		before := evaluateCompletion(requiredPartitions(m, all), all, marked)
		after := evaluateCompletion(requiredPartitions(m, listed), listed, marked)
		if before.Complete != after.Complete {
			t.Fatalf("iteration %d: verdict changed by reaping: %v -> %v", i, before.Complete, after.Complete)
		}

		want := !activeOrFailed && len(marked) == total
		if after.Complete != want {
			t.Fatalf("iteration %d: Complete = %v, want %v (marked %d of %d, reason %q)",
				i, after.Complete, want, len(marked), total, after.Reason)
		}

		// A strict subset of markers never completes.
		if len(marked) < total && after.Complete {
			t.Fatalf("iteration %d: complete with %d of %d markers", i, len(marked), total)
		}
	}
}
