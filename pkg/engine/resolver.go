package engine

import (
	"time"

	"github.com/ignatij/leappflow/pkg/models"
)

// Resolver derives the failure flags and final status of a workflow.
type Resolver struct {
	policy        CompletionPolicy
	notReadyAfter time.Duration
}

func NewResolver(policy CompletionPolicy, notReadyAfter time.Duration) *Resolver {
	return &Resolver{policy: policy, notReadyAfter: notReadyAfter}
}

// Summarize fills the flags and timestamps derived from the job sequence.
func (r *Resolver) Summarize(wf *models.Workflow) {
	wf.Failed = false
	wf.AutomationFailure = false
	wf.Finished = nil
	for _, job := range wf.Jobs {
		if job.IsFailed() {
			wf.Failed = true
		}
		if job.HasAutomationFailure() {
			wf.AutomationFailure = true
		}
		if job.Finished != nil && (wf.Finished == nil || job.Finished.After(*wf.Finished)) {
			wf.Finished = job.Finished
		}
	}
	wf.AutomationFailure = wf.Failed && wf.AutomationFailure
	if len(wf.Jobs) > 0 {
		first := wf.Jobs[0]
		wf.Started = first.Created
		wf.Limit = first.Limit
		wf.Release = first.Release
	}
}

// Resolve sets the workflow status from the validation outcome. It reports
// false when the workflow must be withheld this cycle.
//
// reference is the latest finish time in the fetch batch; the age-based
// policy measures a workflow's age against it.
func (r *Resolver) Resolve(wf *models.Workflow, passed bool, reason string, reference *time.Time) bool {
	wf.FailedValidation = !passed
	wf.ValidationReason = reason
	if passed {
		wf.Status = models.CompletedWorkflowStatus
		return true
	}
	if r.policy == RetryPolicy {
		wf.Status = models.InProgressWorkflowStatus
		return true
	}

	last := wf.LastJob()
	if last == nil || last.Finished == nil || reference == nil {
		wf.Status = models.InProgressWorkflowStatus
		return false
	}
	if reference.Sub(*last.Finished) > r.notReadyAfter {
		wf.Status = models.FailedValidationWorkflowStatus
		return true
	}
	wf.Status = models.InProgressWorkflowStatus
	return false
}
