package model

import (
	"strings"
	"time"
)

// RefreshType selects how much of the source table a run extracts.
type RefreshType string

const (
	RefreshFull        RefreshType = "FULL"
	RefreshIncremental RefreshType = "INCREMENTAL"
)

// ParseRefreshType normalizes a registry value. Unknown values mean FULL.
func ParseRefreshType(s string) RefreshType {
	if strings.EqualFold(strings.TrimSpace(s), string(RefreshIncremental)) {
		return RefreshIncremental
	}
	return RefreshFull
}

// DefaultDestinationSuffix is appended to a source table name to form its
// warehouse table name.
const DefaultDestinationSuffix = "_processed"

// DestinationTable derives the warehouse table for a source table.
func DestinationTable(sourceTable, suffix string) string {
	if suffix == "" {
		suffix = DefaultDestinationSuffix
	}
	return sourceTable + suffix
}

// PipelineConfig is the registry's current view of one pipeline, joined with
// its latest watermark.
type PipelineConfig struct {
	PipelineID       string         `json:"pipeline_id"`
	SourceTable      string         `json:"source_table"`
	DestinationTable string         `json:"destination_table"`
	RefreshType      RefreshType    `json:"refresh_type"`
	PrimaryKeyColumn string         `json:"primary_key_column"`
	MinID            int64          `json:"min_id"`
	MaxID            int64          `json:"max_id"`
	Status           PipelineStatus `json:"status"`
	Skip             bool           `json:"skip"`
	LastRefresh      *time.Time     `json:"last_refresh,omitempty"`
}

// LowerBound returns the exclusive key watermark for incremental runs, or nil
// when the whole table is extracted.
func (p *PipelineConfig) LowerBound() *int64 {
	if p.RefreshType != RefreshIncremental {
		return nil
	}
	v := p.MaxID
	return &v
}

// RunRecord is one row of pipeline run history.
type RunRecord struct {
	RunID            string    `json:"run_id"`
	PipelineID       string    `json:"pipeline_id"`
	RunDate          time.Time `json:"run_date"`
	NextRefreshDate  time.Time `json:"next_refresh_date"`
	RefreshTimestamp time.Time `json:"refresh_timestamp"`
	MinID            int64     `json:"min_id"`
	MaxID            int64     `json:"max_id"`
	Partitions       int       `json:"partitions"`
}

// KeyMode is the partitioning strategy chosen for a run.
type KeyMode string

const (
	KeyModeRange KeyMode = "range"
	KeyModeHash  KeyMode = "hash"
)

// RunManifest pins the parameters of an in-flight run in the staging store.
// It outlives job objects and defines which partitions must be marked.
type RunManifest struct {
	RunID           string    `json:"run_id"`
	PipelineID      string    `json:"pipeline_id"`
	Table           string    `json:"table"`
	TotalPartitions int       `json:"total_partitions"`
	KeyMode         KeyMode   `json:"key_mode"`
	PrimaryKey      string    `json:"primary_key"`
	MinKey          int64     `json:"min_key"`
	MaxKey          int64     `json:"max_key"`
	Empty           bool      `json:"empty"`
	LowerBound      *int64    `json:"lower_bound,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Partitions lists every partition id the run requires.
func (m *RunManifest) Partitions() []int {
	ids := make([]int, m.TotalPartitions)
	for i := range ids {
		ids[i] = i
	}
	return ids
}
