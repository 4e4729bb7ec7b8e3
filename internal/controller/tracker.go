package controller

import (
	"sort"
	"sync"
	"time"

	"github.com/me/etlorch/pkg/model"
)

// Snapshot is the externally visible state of one pipeline loop.
type Snapshot struct {
	PipelineID      string               `json:"pipeline_id"`
	Table           string               `json:"table"`
	Status          model.PipelineStatus `json:"status"`
	RunID           string               `json:"run_id,omitempty"`
	TotalPartitions int                  `json:"total_partitions"`
	Extracted       int                  `json:"extracted"`
	ActiveExtracts  int                  `json:"active_extracts"`
	ActiveLoads     int                  `json:"active_loads"`
	Iterations      int                  `json:"iterations"`
	LastTick        time.Time            `json:"last_tick"`
	LastError       string               `json:"last_error,omitempty"`
	Done            bool                 `json:"done"`
}

// Tracker holds the latest snapshot of every loop for the ops API.
type Tracker struct {
	mu    sync.RWMutex
	state map[string]Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{state: make(map[string]Snapshot)}
}

// Update applies fn to the snapshot of pipeline id, creating it if needed.
func (t *Tracker) Update(id string, fn func(*Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state[id]
	s.PipelineID = id
	fn(&s)
	t.state[id] = s
}

// Snapshots returns every loop's state ordered by pipeline id.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	out := make([]Snapshot, 0, len(t.state))
	for _, s := range t.state {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineID < out[j].PipelineID })
	return out
}

// Get returns the snapshot of one pipeline.
func (t *Tracker) Get(id string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.state[id]
	return s, ok
}
