package db

import "time"

// Run kinds
const (
	RunKindIngest    = "ingest"
	RunKindTransform = "transform"
)

// Run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// PipelineRun represents a single ingest or transform cycle for one table
type PipelineRun struct {
	RunID       string
	Kind        string
	TableName   string
	WindowStart *time.Time
	WindowEnd   *time.Time
	Rows        int
	Status      string
	Error       *string
	StartedAt   time.Time
	CompletedAt *time.Time
}
