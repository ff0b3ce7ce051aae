package engine

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ignatij/leappflow/pkg/models"
	"github.com/pkg/errors"
)

// TimestampLayout is the platform's timestamp format. Fractional seconds
// are optional; the zone is mandatory.
const TimestampLayout = "2006-01-02T15:04:05.999999999Z07:00"

// ErrSkipJob marks a record without txId or limit. Such records cannot be
// grouped and are dropped without failing the batch.
var ErrSkipJob = errors.New("job has no txId or limit")

// DefaultNonAutomationTasks lists setup and infrastructure steps whose
// failure is not attributed to the automation.
func DefaultNonAutomationTasks() []string {
	return []string{
		"Check for NFS mounts",
		"Ensure Changefile Directory Exists",
		"Check for inhibitors",
		"Fail if any previous stage failed",
		"Call error in order to fail stage.",
		"Change the permission of bootloader file to 700",
		"Gathering Facts",
		"Run Setup Module",
		"Validating arguments against arg spec 'os_verification' - Verifies OS Version",
		"Backup /etc/bac.conf",
	}
}

// Batch is a normalized fetch batch.
type Batch struct {
	Fetched   int
	Jobs      []*models.Job
	Skipped   int
	Malformed []error
}

type Normalizer struct {
	nonAutomation map[string]struct{}
}

func NewNormalizer(nonAutomationTasks []string) *Normalizer {
	set := make(map[string]struct{}, len(nonAutomationTasks))
	for _, t := range nonAutomationTasks {
		set[t] = struct{}{}
	}
	return &Normalizer{nonAutomation: set}
}

// Normalize converts one raw job record. It returns ErrSkipJob when the
// record has no grouping key and a *MalformedJobError when a field cannot
// be parsed.
func (n *Normalizer) Normalize(raw models.RawRecord) (*models.Job, error) {
	job := &models.Job{
		ID:     formatID(raw["id"]),
		Name:   stringField(raw, "name"),
		Status: models.JobStatus(stringField(raw, "status")),
		Limit:  strings.TrimSpace(stringField(raw, "limit")),
		Raw:    raw,
	}

	created, err := parseTimestamp(raw, "created")
	if err != nil {
		return nil, &MalformedJobError{JobID: job.ID, Field: "created", Err: err}
	}
	if created == nil {
		return nil, &MalformedJobError{JobID: job.ID, Field: "created", Err: errors.New("missing timestamp")}
	}
	job.Created = *created
	if job.Started, err = parseTimestamp(raw, "started"); err != nil {
		return nil, &MalformedJobError{JobID: job.ID, Field: "started", Err: err}
	}
	if job.Finished, err = parseTimestamp(raw, "finished"); err != nil {
		return nil, &MalformedJobError{JobID: job.ID, Field: "finished", Err: err}
	}

	if job.ExtraVars, err = parseExtraVars(raw["extra_vars"]); err != nil {
		return nil, &MalformedJobError{JobID: job.ID, Field: "extra_vars", Err: err}
	}

	job.Timeout = numberField(raw, "timeout")
	job.Elapsed = numberField(raw, "elapsed")
	job.TimedOut = job.Elapsed >= job.Timeout
	job.Release = release(job.Name)

	if tasks, ok := raw["failed_tasks"].([]interface{}); ok {
		job.FailedTasks = n.FailedTasks(toRecords(tasks))
	}

	if job.TxID() == "" || job.Limit == "" {
		return nil, errors.Wrapf(ErrSkipJob, "job %s", job.ID)
	}
	return job, nil
}

// FailedTasks normalizes raw job events and classifies each one.
func (n *Normalizer) FailedTasks(raws []models.RawRecord) []models.FailedTask {
	tasks := make([]models.FailedTask, 0, len(raws))
	for _, raw := range raws {
		ft := models.FailedTask{
			Task:       stringField(raw, "task"),
			EventLevel: int(numberField(raw, "event_level")),
			Raw:        raw,
		}
		if ed, ok := asMap(raw["event_data"]); ok {
			ft.EventData = ed
		}
		_, known := n.nonAutomation[ft.Task]
		ft.AutomationFailure = !known
		tasks = append(tasks, ft)
	}
	return tasks
}

func parseTimestamp(raw models.RawRecord, field string) (*time.Time, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case time.Time:
		return &t, nil
	case string:
		if t == "" {
			return nil, nil
		}
		parsed, err := time.Parse(TimestampLayout, t)
		if err != nil {
			return nil, err
		}
		return &parsed, nil
	default:
		return nil, errors.Errorf("unexpected timestamp type %T", v)
	}
}

func parseExtraVars(v interface{}) (map[string]interface{}, error) {
	switch ev := v.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case string:
		if strings.TrimSpace(ev) == "" {
			return map[string]interface{}{}, nil
		}
		var out map[string]interface{}
		if err := json.Unmarshal([]byte(ev), &out); err != nil {
			return nil, errors.Wrap(err, "decode extra_vars")
		}
		if out == nil {
			out = map[string]interface{}{}
		}
		return out, nil
	default:
		if m, ok := asMap(v); ok {
			return m, nil
		}
		return nil, errors.Errorf("unexpected extra_vars type %T", v)
	}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case models.RawRecord:
		return map[string]interface{}(m), true
	case models.Document:
		return map[string]interface{}(m), true
	default:
		return nil, false
	}
}

func toRecords(items []interface{}) []models.RawRecord {
	out := make([]models.RawRecord, 0, len(items))
	for _, item := range items {
		if m, ok := asMap(item); ok {
			out = append(out, models.RawRecord(m))
		}
	}
	return out
}

// storedFailedTasks indexes the failed_tasks of a stored workflow document
// by job id.
func storedFailedTasks(doc models.Document) map[string][]models.RawRecord {
	out := make(map[string][]models.RawRecord)
	for _, item := range listOf(doc["jobs"]) {
		job, ok := asMap(item)
		if !ok {
			continue
		}
		if tasks := toRecords(listOf(job["failed_tasks"])); len(tasks) > 0 {
			out[formatID(job["id"])] = tasks
		}
	}
	return out
}

func listOf(v interface{}) []interface{} {
	switch l := v.(type) {
	case []interface{}:
		return l
	case []models.Document:
		out := make([]interface{}, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out
	default:
		return nil
	}
}

func formatID(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

func stringField(raw models.RawRecord, key string) string {
	s, _ := raw[key].(string)
	return s
}

func numberField(raw models.RawRecord, key string) float64 {
	switch n := raw[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

func release(name string) string {
	if i := strings.LastIndex(name, "_"); i >= 0 {
		return name[i+1:]
	}
	return name
}
