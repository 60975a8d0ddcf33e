package domain

import "time"

// Run trigger and status constants.
const (
	RunTriggerInteractive = "INTERACTIVE"
	RunTriggerBackfill    = "BACKFILL"
	RunTriggerFreshness   = "FRESHNESS"
	RunTriggerManual      = "MANUAL"

	RunStatusSuccess = "SUCCESS"
	RunStatusFailed  = "FAILED"
)

// PipelineRun records one execution of the pipeline for a query.
type PipelineRun struct {
	ID           string
	QueryID      string
	Trigger      string
	WindowKey    string
	Status       string
	RowCount     int64
	DurationMs   int64
	ErrorMessage *string
	CreatedAt    time.Time
}

// RunFilter holds filter parameters for listing pipeline runs.
type RunFilter struct {
	QueryID *string
	Status  *string
	Limit   int
}
