package models

import "time"

type WorkflowStatus string

const (
	InProgressWorkflowStatus       WorkflowStatus = "in_progress"
	CompletedWorkflowStatus        WorkflowStatus = "completed"
	FailedValidationWorkflowStatus WorkflowStatus = "failed_validation"
)

// Workflow is a group of jobs sharing (txId, limit).
type Workflow struct {
	ID                string         `json:"id"`                      // txId + "-" + limit
	Region            string         `json:"region"`                  // Platform region the jobs came from
	WorkflowType      string         `json:"workflow_type"`           // Mode of major_workflow across jobs
	TypeAmbiguous     bool           `json:"workflow_type_ambiguous"` // More than one value held the maximum count
	TypeCandidates    []string       `json:"-"`                       // Tied values, arrival order
	Jobs              []*Job         `json:"jobs"`                    // Arrival order; the last job is authoritative
	Failed            bool           `json:"failed"`
	AutomationFailure bool           `json:"automation_failure"`
	FailedValidation  bool           `json:"failed_validation"`
	ValidationReason  string         `json:"validation_reason,omitempty"`
	Status            WorkflowStatus `json:"workflow_status"`
	Started           time.Time      `json:"started"`            // jobs[0].Created
	Finished          *time.Time     `json:"finished,omitempty"` // Latest job finish
	Limit             string         `json:"limit"`
	Release           string         `json:"release"`
}

// LastJob returns the final job of the sequence, or nil for an empty workflow.
func (w *Workflow) LastJob() *Job {
	if len(w.Jobs) == 0 {
		return nil
	}
	return w.Jobs[len(w.Jobs)-1]
}
