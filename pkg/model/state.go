package model

// PipelineStatus is the registry-visible lifecycle state of a pipeline run.
type PipelineStatus string

const (
	StatusIdle              PipelineStatus = "Idle"
	StatusInProgress        PipelineStatus = "In Progress"
	StatusExtractInProgress PipelineStatus = "Extract In Progress"
	StatusLoaderInProgress  PipelineStatus = "Loader In Progress"
	StatusCompleted         PipelineStatus = "Completed"
	StatusFailed            PipelineStatus = "Failed"
)

// String returns the string representation of the pipeline status.
func (s PipelineStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the run ended and the control loop exits.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ValidStatusTransitions defines the allowed status transitions within one run.
// StatusInProgress is written at the top of every iteration, so every
// non-terminal status may return to it.
var ValidStatusTransitions = map[PipelineStatus][]PipelineStatus{
	StatusIdle:              {StatusInProgress},
	StatusInProgress:        {StatusExtractInProgress, StatusLoaderInProgress, StatusCompleted, StatusFailed, StatusInProgress},
	StatusExtractInProgress: {StatusInProgress, StatusFailed},
	StatusLoaderInProgress:  {StatusInProgress, StatusCompleted, StatusFailed},
	StatusCompleted:         {StatusInProgress},
	StatusFailed:            {StatusInProgress},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s PipelineStatus) CanTransitionTo(next PipelineStatus) bool {
	for _, allowed := range ValidStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Stage identifies which half of a pipeline a cluster job belongs to.
type Stage string

const (
	StageExtract Stage = "extraction"
	StageLoad    Stage = "loading"
)

// App returns the value of the "app" label carried by jobs of this stage.
func (s Stage) App() string {
	switch s {
	case StageExtract:
		return "etl-extractor"
	case StageLoad:
		return "etl-loader"
	}
	return ""
}

// StageForApp maps an "app" label value back to its stage.
func StageForApp(app string) (Stage, bool) {
	switch app {
	case StageExtract.App():
		return StageExtract, true
	case StageLoad.App():
		return StageLoad, true
	}
	return "", false
}
