package models

import "time"

type JobStatus string

const (
	NewJobStatus        JobStatus = "new"
	PendingJobStatus    JobStatus = "pending"
	WaitingJobStatus    JobStatus = "waiting"
	RunningJobStatus    JobStatus = "running"
	SuccessfulJobStatus JobStatus = "successful"
	FailedJobStatus     JobStatus = "failed"
	ErrorJobStatus      JobStatus = "error"
	CanceledJobStatus   JobStatus = "canceled"
)

// RawRecord is a job or job event exactly as decoded from the platform API.
type RawRecord map[string]interface{}

// Job is one automation run (a playbook execution) after normalization.
type Job struct {
	ID          string                 `json:"id"`                 // Platform job id, formatted as a string
	Name        string                 `json:"name"`               // Job template name, e.g. "leapp_upgrade_1.15"
	Status      JobStatus              `json:"status"`             // Terminal or running state reported by the platform
	Created     time.Time              `json:"created"`            // Creation instant
	Started     *time.Time             `json:"started,omitempty"`  // Nil until the job starts
	Finished    *time.Time             `json:"finished,omitempty"` // Nil while running
	Timeout     float64                `json:"timeout"`            // Seconds
	Elapsed     float64                `json:"elapsed"`            // Seconds
	TimedOut    bool                   `json:"timed_out"`          // Elapsed >= Timeout
	Limit       string                 `json:"limit"`              // Host/target scope
	Release     string                 `json:"release"`            // Suffix of Name after the last "_"
	ExtraVars   map[string]interface{} `json:"extra_vars"`         // Decoded extra_vars payload
	FailedTasks []FailedTask           `json:"failed_tasks"`       // Only populated for failed jobs

	// DetailSkipped is set when the workflow was already known to the store
	// and failed-task detail was not fetched this cycle.
	DetailSkipped bool `json:"-"`

	// Raw is the source payload. It is never modified after normalization.
	Raw RawRecord `json:"-"`
}

// TxID returns extra_vars.txId, or "" when absent.
func (j *Job) TxID() string {
	return j.stringVar("txId")
}

// MajorWorkflow returns extra_vars.major_workflow, or "" when absent.
func (j *Job) MajorWorkflow() string {
	return j.stringVar("major_workflow")
}

// ExtraVar looks up a key in extra_vars.
func (j *Job) ExtraVar(key string) (interface{}, bool) {
	if j.ExtraVars == nil {
		return nil, false
	}
	v, ok := j.ExtraVars[key]
	return v, ok
}

// IsFailed reports whether the platform marked the job failed.
func (j *Job) IsFailed() bool {
	if j.Status == FailedJobStatus {
		return true
	}
	failed, _ := j.Raw["failed"].(bool)
	return failed
}

// HasAutomationFailure reports whether any failed task is attributable to
// the automation itself.
func (j *Job) HasAutomationFailure() bool {
	for _, ft := range j.FailedTasks {
		if ft.AutomationFailure {
			return true
		}
	}
	return false
}

func (j *Job) stringVar(key string) string {
	v, ok := j.ExtraVar(key)
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// FailedTask is one failed event inside a failed job.
type FailedTask struct {
	Task              string                 `json:"task"`
	EventLevel        int                    `json:"event_level"`
	EventData         map[string]interface{} `json:"event_data,omitempty"`
	AutomationFailure bool                   `json:"automation_failure"` // False when Task is a known infrastructure/setup step
	Raw               RawRecord              `json:"-"`
}
