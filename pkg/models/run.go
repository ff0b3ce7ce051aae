package models

import "time"

type RunStatus string

const (
	SucceededRunStatus RunStatus = "succeeded"
	FailedRunStatus    RunStatus = "failed"
	AbortedRunStatus   RunStatus = "aborted"
)

// IngestionRun records the outcome of one region cycle.
type IngestionRun struct {
	ID         int64      `json:"id" db:"id"`                           // Auto-incremented run ID
	Region     string     `json:"region" db:"region"`                   // Region processed
	Status     RunStatus  `json:"status" db:"status"`                   // "succeeded", "failed", "aborted"
	StartedAt  time.Time  `json:"started_at" db:"started_at"`           // Cycle start
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	FetchFrom  time.Time  `json:"fetch_from" db:"fetch_from"` // created__gt used for the job query
	Fetched    int        `json:"fetched" db:"fetched"`
	Skipped    int        `json:"skipped" db:"skipped"`
	Malformed  int        `json:"malformed" db:"malformed"`
	Inserted   int        `json:"inserted" db:"inserted"`
	Updated    int        `json:"updated" db:"updated"`
	NotReady   int        `json:"not_ready" db:"not_ready"`
	BulkFailed int        `json:"bulk_failed" db:"bulk_failed"`
	ErrorMsg   string     `json:"error,omitempty" db:"error_msg"`
}
