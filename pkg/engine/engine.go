// Package engine groups automation-platform jobs into OS-upgrade workflows,
// validates their shape against a closed catalog and assembles the documents
// persisted for reporting.
//
// The engine performs no I/O. Fetching jobs and failed-task detail, and
// writing documents, belong to the caller.
package engine

import (
	"fmt"
	"time"

	"github.com/ignatij/leappflow/pkg/models"
	"github.com/pkg/errors"
)

// Logger defines the logging interface used by the engine.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ErrDedupWindowOverflow is returned when the store reports more known
// workflow ids in the dedup window than the configured ceiling allows.
var ErrDedupWindowOverflow = errors.New("too many existing workflows in the dedup window; configuration must be reviewed")

type CompletionPolicy string

const (
	// AgeBasedPolicy withholds workflows that fail validation until their
	// last job is older than Config.NotReadyAfter, then emits them as
	// failed_validation.
	AgeBasedPolicy CompletionPolicy = "age"
	// RetryPolicy emits workflows that fail validation as in_progress on
	// every cycle until they pass.
	RetryPolicy CompletionPolicy = "retry"
)

const (
	DefaultNotReadyAfter = 8 * time.Hour
	DefaultDedupCeiling  = 9000
)

// Config holds the engine settings resolved once at startup.
type Config struct {
	Policy             CompletionPolicy
	NotReadyAfter      time.Duration
	DedupCeiling       int
	Schema             Schema
	NonAutomationTasks []string
}

// DefaultConfig returns the age-based configuration with the stock schema.
func DefaultConfig() Config {
	return Config{
		Policy:             AgeBasedPolicy,
		NotReadyAfter:      DefaultNotReadyAfter,
		DedupCeiling:       DefaultDedupCeiling,
		Schema:             DefaultSchema(),
		NonAutomationTasks: DefaultNonAutomationTasks(),
	}
}

// ParsePolicy maps a configuration string to a CompletionPolicy.
func ParsePolicy(s string) (CompletionPolicy, error) {
	switch CompletionPolicy(s) {
	case AgeBasedPolicy, RetryPolicy:
		return CompletionPolicy(s), nil
	case "":
		return AgeBasedPolicy, nil
	default:
		return "", errors.Errorf("invalid completion policy %q; must be 'age' or 'retry'", s)
	}
}

// Counts summarizes one engine invocation.
type Counts struct {
	Fetched          int `json:"fetched"`
	Jobs             int `json:"jobs"`
	Skipped          int `json:"skipped"`
	Malformed        int `json:"malformed"`
	Workflows        int `json:"workflows"`
	Inserted         int `json:"inserted"`
	Updated          int `json:"updated"`
	NotReady         int `json:"not_ready"`
	FailedValidation int `json:"failed_validation"`
	Ambiguous        int `json:"ambiguous"`
}

// Result is the classified output for one (region, batch) invocation.
type Result struct {
	Region    string            `json:"region"`
	ToInsert  []models.Action   `json:"to_insert"`
	ToUpdate  []models.Action   `json:"to_update"`
	NotReady  []models.Document `json:"not_ready"`
	Counts    Counts            `json:"counts"`
	Malformed []error           `json:"-"`
}

// Actions returns updates followed by inserts, the order they are sent to the store.
func (r *Result) Actions() []models.Action {
	actions := make([]models.Action, 0, len(r.ToUpdate)+len(r.ToInsert))
	actions = append(actions, r.ToUpdate...)
	actions = append(actions, r.ToInsert...)
	return actions
}

type Engine struct {
	cfg        Config
	logger     Logger
	normalizer *Normalizer
	resolver   *Resolver
	assembler  *Assembler
}

func New(cfg Config, logger Logger) *Engine {
	if cfg.Policy == "" {
		cfg.Policy = AgeBasedPolicy
	}
	if cfg.NotReadyAfter <= 0 {
		cfg.NotReadyAfter = DefaultNotReadyAfter
	}
	if cfg.DedupCeiling <= 0 {
		cfg.DedupCeiling = DefaultDedupCeiling
	}
	if cfg.Schema.IsZero() {
		cfg.Schema = DefaultSchema()
	}
	if cfg.NonAutomationTasks == nil {
		cfg.NonAutomationTasks = DefaultNonAutomationTasks()
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		normalizer: NewNormalizer(cfg.NonAutomationTasks),
		resolver:   NewResolver(cfg.Policy, cfg.NotReadyAfter),
		assembler:  NewAssembler(cfg.Schema),
	}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// CheckKnownIDs enforces the dedup ceiling. Exceeding it is a configuration
// error for the region's cycle and nothing may be emitted.
func (e *Engine) CheckKnownIDs(known models.IDSet) error {
	if len(known) >= e.cfg.DedupCeiling {
		return errors.Wrapf(ErrDedupWindowOverflow, "%d ids found, ceiling is %d", len(known), e.cfg.DedupCeiling)
	}
	return nil
}

// Normalize parses a batch of raw records. Malformed records are collected
// and skipped; the batch itself never fails.
func (e *Engine) Normalize(raws []models.RawRecord) *Batch {
	batch := &Batch{Fetched: len(raws)}
	for _, raw := range raws {
		job, err := e.normalizer.Normalize(raw)
		if errors.Is(err, ErrSkipJob) {
			e.logger.Debugf("Skipping job %v: %v", raw["id"], err)
			batch.Skipped++
			continue
		}
		if err != nil {
			e.logger.Errorf("Dropping job: %v", err)
			batch.Malformed = append(batch.Malformed, err)
			continue
		}
		batch.Jobs = append(batch.Jobs, job)
	}
	return batch
}

// Group partitions a normalized batch by workflow id.
func (e *Engine) Group(batch *Batch, known models.IDSet) *Groups {
	return GroupJobs(batch, known)
}

// AttachFailedTasks normalizes raw job events and attaches them to job.
func (e *Engine) AttachFailedTasks(job *models.Job, raws []models.RawRecord) {
	job.FailedTasks = e.normalizer.FailedTasks(raws)
}

// RestoreFailedTasks carries the failed tasks of stored workflows over to
// jobs whose detail was skipped. Stored documents replace their jobs array
// on update, so detail not restored here would be lost. Failed jobs the
// stored documents hold no tasks for are cleared for a fresh fetch and show
// up in PendingDetail.
func (e *Engine) RestoreFailedTasks(groups *Groups, stored map[string]models.Document) {
	for _, id := range groups.SkippedDetail() {
		tasks := storedFailedTasks(stored[id])
		for _, job := range groups.Jobs(id) {
			if !detailMissing(job) {
				continue
			}
			if raws := tasks[job.ID]; len(raws) > 0 {
				job.FailedTasks = e.normalizer.FailedTasks(raws)
				continue
			}
			job.DetailSkipped = false
		}
	}
}

// Assemble validates and resolves every group and classifies the result.
func (e *Engine) Assemble(region string, groups *Groups, known models.IDSet) *Result {
	res := &Result{
		Region:   region,
		ToInsert: []models.Action{},
		ToUpdate: []models.Action{},
		NotReady: []models.Document{},
	}
	if b := groups.Batch(); b != nil {
		res.Counts.Fetched = b.Fetched
		res.Counts.Jobs = len(b.Jobs)
		res.Counts.Skipped = b.Skipped
		res.Counts.Malformed = len(b.Malformed)
		res.Malformed = b.Malformed
	}
	reference := groups.LatestFinished()

	for _, id := range groups.Keys() {
		wf := e.buildWorkflow(region, id, groups.Jobs(id))
		passed, reason := Validate(wf.WorkflowType, wf.Failed, wf.Jobs)
		ready := e.resolver.Resolve(wf, passed, reason, reference)
		res.Counts.Workflows++
		if wf.TypeAmbiguous {
			res.Counts.Ambiguous++
		}
		if !passed {
			res.Counts.FailedValidation++
			e.logger.Infof("Workflow %s (%s) failed validation: %s", wf.ID, wf.WorkflowType, reason)
		}
		if !ready {
			e.logger.Debugf("Workflow %s is likely not ready", wf.ID)
			res.NotReady = append(res.NotReady, e.assembler.Document(wf))
			res.Counts.NotReady++
			continue
		}
		action := e.assembler.Assemble(wf, known)
		if action.Op == models.UpdateOp {
			res.ToUpdate = append(res.ToUpdate, action)
			res.Counts.Updated++
		} else {
			res.ToInsert = append(res.ToInsert, action)
			res.Counts.Inserted++
		}
	}
	e.logger.Infof("Processed %d workflows for region %s: %d new, %d updated, %d not ready",
		res.Counts.Workflows, region, res.Counts.Inserted, res.Counts.Updated, res.Counts.NotReady)
	return res
}

// Process runs the whole pipeline over a batch without fetching failed-task
// detail. Records that already carry failed_tasks keep them.
func (e *Engine) Process(region string, raws []models.RawRecord, known models.IDSet) (*Result, error) {
	if err := e.CheckKnownIDs(known); err != nil {
		return nil, err
	}
	batch := e.Normalize(raws)
	groups := e.Group(batch, known)
	return e.Assemble(region, groups, known), nil
}

func (e *Engine) buildWorkflow(region, id string, jobs []*models.Job) *models.Workflow {
	wfType, candidates := ResolveType(jobs)
	wf := &models.Workflow{
		ID:           id,
		Region:       region,
		WorkflowType: wfType,
		Jobs:         jobs,
	}
	if len(candidates) > 1 {
		wf.TypeAmbiguous = true
		wf.TypeCandidates = candidates
		e.logger.Warnf("Non deterministic workflow type for %s: %v, using %q", id, candidates, wfType)
	}
	e.resolver.Summarize(wf)
	return wf
}

// MalformedJobError reports a raw record that could not be normalized.
type MalformedJobError struct {
	JobID string
	Field string
	Err   error
}

func (e *MalformedJobError) Error() string {
	return fmt.Sprintf("malformed job %s: field %q: %v", e.JobID, e.Field, e.Err)
}

func (e *MalformedJobError) Unwrap() error {
	return e.Err
}
