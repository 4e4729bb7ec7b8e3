package model

import "testing"

func TestPipelineStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   PipelineStatus
		terminal bool
	}{
		{StatusIdle, false},
		{StatusInProgress, false},
		{StatusExtractInProgress, false},
		{StatusLoaderInProgress, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("PipelineStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestPipelineStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  PipelineStatus
		to    PipelineStatus
		valid bool
	}{
		{StatusIdle, StatusInProgress, true},
		{StatusInProgress, StatusExtractInProgress, true},
		{StatusInProgress, StatusLoaderInProgress, true},
		{StatusExtractInProgress, StatusInProgress, true},
		{StatusLoaderInProgress, StatusCompleted, true},
		{StatusCompleted, StatusInProgress, true},

		{StatusIdle, StatusCompleted, false},
		{StatusExtractInProgress, StatusCompleted, false},
		{StatusExtractInProgress, StatusLoaderInProgress, false},
		{StatusCompleted, StatusLoaderInProgress, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("PipelineStatus(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestStage_AppRoundTrip(t *testing.T) {
	for _, s := range []Stage{StageExtract, StageLoad} {
		got, ok := StageForApp(s.App())
		if !ok || got != s {
			t.Errorf("StageForApp(%q) = %q, %v; want %q", s.App(), got, ok, s)
		}
	}
	if _, ok := StageForApp("something-else"); ok {
		t.Error("StageForApp accepted an unknown app label")
	}
}

func TestParseRefreshType(t *testing.T) {
	tests := map[string]RefreshType{
		"INCREMENTAL":   RefreshIncremental,
		" incremental ": RefreshIncremental,
		"FULL":          RefreshFull,
		"":              RefreshFull,
		"weekly":        RefreshFull,
	}
	for in, want := range tests {
		if got := ParseRefreshType(in); got != want {
			t.Errorf("ParseRefreshType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPipelineConfig_LowerBound(t *testing.T) {
	full := &PipelineConfig{RefreshType: RefreshFull, MaxID: 100}
	if full.LowerBound() != nil {
		t.Error("full refresh should not have a lower bound")
	}
	inc := &PipelineConfig{RefreshType: RefreshIncremental, MaxID: 100}
	if lb := inc.LowerBound(); lb == nil || *lb != 100 {
		t.Errorf("incremental lower bound = %v, want 100", lb)
	}
}

func TestDestinationTable(t *testing.T) {
	if got := DestinationTable("invoices", ""); got != "invoices_processed" {
		t.Errorf("DestinationTable default = %q", got)
	}
	if got := DestinationTable("invoices", "_raw"); got != "invoices_raw" {
		t.Errorf("DestinationTable custom = %q", got)
	}
}

func TestRunManifest_Partitions(t *testing.T) {
	m := &RunManifest{TotalPartitions: 3}
	got := m.Partitions()
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("Partitions() = %v, want [0 1 2]", got)
	}
}
