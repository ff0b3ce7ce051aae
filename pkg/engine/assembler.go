package engine

import (
	"time"

	"github.com/ignatij/leappflow/pkg/models"
)

// Schema holds the field allow-lists that define the persisted documents.
type Schema struct {
	JobFields        []string `yaml:"job_fields"`
	FailedTaskFields []string `yaml:"failed_task_fields"`
	EventDataFields  []string `yaml:"event_data_fields"`
}

func DefaultSchema() Schema {
	return Schema{
		JobFields: []string{
			"id", "type", "created", "name", "status", "failed", "started", "finished",
			"timeout", "elapsed", "timed_out", "limit", "extra_vars", "failed_tasks", "release",
		},
		FailedTaskFields: []string{
			"id", "type", "created", "modified", "job", "event", "event_display", "event_data",
			"event_level", "failed", "changed", "task", "role", "stdout",
		},
		EventDataFields: []string{
			"resolved_action", "task_args", "remote_addr", "host", "res", "duration", "start", "end",
		},
	}
}

func (s Schema) IsZero() bool {
	return len(s.JobFields) == 0 && len(s.FailedTaskFields) == 0 && len(s.EventDataFields) == 0
}

type fieldSet map[string]struct{}

func newFieldSet(fields []string) fieldSet {
	fs := make(fieldSet, len(fields))
	for _, f := range fields {
		fs[f] = struct{}{}
	}
	return fs
}

// Assembler builds workflow documents and classifies them against the set
// of workflow ids already stored.
type Assembler struct {
	jobFields   fieldSet
	taskFields  fieldSet
	eventFields fieldSet
}

func NewAssembler(schema Schema) *Assembler {
	return &Assembler{
		jobFields:   newFieldSet(schema.JobFields),
		taskFields:  newFieldSet(schema.FailedTaskFields),
		eventFields: newFieldSet(schema.EventDataFields),
	}
}

// Assemble returns an update for a known id and an insert otherwise.
func (a *Assembler) Assemble(wf *models.Workflow, known models.IDSet) models.Action {
	op := models.InsertOp
	if known.Has(wf.ID) {
		op = models.UpdateOp
	}
	return models.Action{Op: op, ID: wf.ID, Doc: a.Document(wf)}
}

// Document renders the persisted form of a workflow.
func (a *Assembler) Document(wf *models.Workflow) models.Document {
	jobs := make([]models.Document, 0, len(wf.Jobs))
	for _, job := range wf.Jobs {
		jobs = append(jobs, a.JobDocument(job))
	}
	finished := timeValue(wf.Finished)
	doc := models.Document{
		"id":                      wf.ID,
		"type":                    "workflow",
		"region":                  wf.Region,
		"workflow_type":           wf.WorkflowType,
		"workflow_type_ambiguous": wf.TypeAmbiguous,
		"jobs":                    jobs,
		"failed":                  wf.Failed,
		"automation_failure":      wf.AutomationFailure,
		"failed_validation":       wf.FailedValidation,
		"validation_reason":       wf.ValidationReason,
		"workflow_status":         string(wf.Status),
		"release":                 wf.Release,
		"started":                 wf.Started,
		"finished":                finished,
		"limit":                   wf.Limit,
		"last_updated":            finished,
	}
	// Without detail the flag cannot be computed; the stored value stands.
	for _, job := range wf.Jobs {
		if detailMissing(job) {
			delete(doc, "automation_failure")
			break
		}
	}
	return doc
}

// JobDocument projects a job onto the job allow-list. Normalized values
// replace their raw counterparts; Job.Raw is left untouched.
func (a *Assembler) JobDocument(job *models.Job) models.Document {
	view := make(map[string]interface{}, len(job.Raw)+8)
	for k, v := range job.Raw {
		view[k] = v
	}
	tasks := make([]models.Document, 0, len(job.FailedTasks))
	for _, ft := range job.FailedTasks {
		tasks = append(tasks, a.FailedTaskDocument(ft))
	}
	view["created"] = job.Created
	view["started"] = timeValue(job.Started)
	view["finished"] = timeValue(job.Finished)
	view["extra_vars"] = job.ExtraVars
	view["timed_out"] = job.TimedOut
	view["release"] = job.Release
	if detailMissing(job) {
		delete(view, "failed_tasks")
	} else {
		view["failed_tasks"] = tasks
	}
	return project(view, a.jobFields)
}

// FailedTaskDocument projects a failed task, including its nested event_data.
func (a *Assembler) FailedTaskDocument(ft models.FailedTask) models.Document {
	doc := project(ft.Raw, a.taskFields)
	if _, kept := doc["event_data"]; kept && ft.EventData != nil {
		doc["event_data"] = map[string]interface{}(project(ft.EventData, a.eventFields))
	}
	return doc
}

func project(src map[string]interface{}, allowed fieldSet) models.Document {
	out := make(models.Document, len(allowed))
	for k, v := range src {
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out
}

func timeValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
