package engine_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ignatij/leappflow/pkg/engine"
	"github.com/ignatij/leappflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Debugf(format string, args ...interface{}) {}
func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func ts(offset time.Duration) string {
	return base.Add(offset).Format("2006-01-02T15:04:05.000000Z07:00")
}

// rawJob builds a platform record; vars are merged into extra_vars, which
// is encoded the way the platform delivers it.
func rawJob(id int, name, status, limit string, finishedAt time.Duration, vars map[string]interface{}) models.RawRecord {
	ev, err := json.Marshal(vars)
	if err != nil {
		panic(err)
	}
	return models.RawRecord{
		"id":         float64(id),
		"type":       "job",
		"url":        fmt.Sprintf("/api/v2/jobs/%d/", id),
		"name":       name,
		"status":     status,
		"failed":     status == "failed",
		"created":    ts(finishedAt - 30*time.Minute),
		"started":    ts(finishedAt - 29*time.Minute),
		"finished":   ts(finishedAt),
		"timeout":    float64(3600),
		"elapsed":    float64(60),
		"limit":      limit,
		"extra_vars": string(ev),
		"summary_fields": map[string]interface{}{
			"inventory": map[string]interface{}{"name": "prod"},
		},
	}
}

func vars(txID, major string, kv ...string) map[string]interface{} {
	m := map[string]interface{}{"txId": txID, "major_workflow": major}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func newEngine(policy engine.CompletionPolicy) *engine.Engine {
	cfg := engine.DefaultConfig()
	cfg.Policy = policy
	return engine.New(cfg, logger{})
}

func TestProcessScenarios(t *testing.T) {
	t.Run("FailedOperationalInhibitorCheckPasses", func(t *testing.T) {
		eng := newEngine(engine.AgeBasedPolicy)
		raws := []models.RawRecord{
			rawJob(1, "operational_x", "failed", "hostA", 0, vars("tx1", "inhibitor_check_7_to_8")),
		}
		res, err := eng.Process("amrs", raws, models.NewIDSet())
		require.NoError(t, err)
		require.Len(t, res.ToInsert, 1)
		doc := res.ToInsert[0].Doc
		assert.Equal(t, "tx1-hostA", res.ToInsert[0].ID)
		assert.Equal(t, models.InsertOp, res.ToInsert[0].Op)
		assert.Equal(t, false, doc["failed_validation"])
		assert.Equal(t, true, doc["failed"])
		assert.Equal(t, "completed", doc["workflow_status"])
		assert.Equal(t, "amrs", doc["region"])
	})

	t.Run("SuccessfulUpgradeCompletes", func(t *testing.T) {
		eng := newEngine(engine.AgeBasedPolicy)
		raws := []models.RawRecord{
			rawJob(2, "leapp_upgrade_1.15", "successful", "hostB", 0,
				vars("tx2", "upgrade_7_to_8", "changefile_included_role", "postupgrade_7_to_8_x")),
		}
		res, err := eng.Process("emea", raws, models.NewIDSet())
		require.NoError(t, err)
		require.Len(t, res.ToInsert, 1)
		doc := res.ToInsert[0].Doc
		assert.Equal(t, "completed", doc["workflow_status"])
		assert.Equal(t, false, doc["failed"])
		assert.Equal(t, "1.15", doc["release"])
	})

	t.Run("UnknownTypeFailsValidation", func(t *testing.T) {
		eng := newEngine(engine.RetryPolicy)
		raws := []models.RawRecord{
			rawJob(3, "leapp_bogus", "successful", "hostC", 0, vars("tx3", "bogus_type")),
		}
		res, err := eng.Process("apac", raws, models.NewIDSet())
		require.NoError(t, err)
		require.Len(t, res.ToInsert, 1)
		doc := res.ToInsert[0].Doc
		assert.Equal(t, true, doc["failed_validation"])
		assert.Equal(t, engine.ReasonUnknownType, doc["validation_reason"])
		assert.Equal(t, "in_progress", doc["workflow_status"])
		assert.Equal(t, 1, res.Counts.FailedValidation)
	})

	t.Run("DedupCeilingAbortsRegion", func(t *testing.T) {
		eng := newEngine(engine.AgeBasedPolicy)
		known := models.NewIDSet()
		for i := 0; i < 9000; i++ {
			known.Add(fmt.Sprintf("tx%d-host", i))
		}
		raws := []models.RawRecord{rawJob(4, "operational_y", "successful", "hostD", 0, vars("tx4", "operational_check_7_to_8"))}
		res, err := eng.Process("dmz", raws, known)
		assert.ErrorIs(t, err, engine.ErrDedupWindowOverflow)
		assert.Nil(t, res)
	})
}

func TestProcessClassification(t *testing.T) {
	raws := []models.RawRecord{
		rawJob(10, "leapp_operational_1.15", "successful", "h1", 0, vars("txA", "operational_check_8_to_9")),
		rawJob(11, "leapp_operational_1.15", "successful", "h2", time.Minute, vars("txB", "operational_check_8_to_9")),
		rawJob(12, "leapp_upgrade_1.15", "successful", "h3", -10*time.Hour, vars("txC", "upgrade_8_to_9")),
		rawJob(13, "leapp_upgrade_1.15", "successful", "h4", -time.Hour, vars("txD", "upgrade_8_to_9")),
	}
	known := models.NewIDSet("txB-h2")

	t.Run("AgeBased", func(t *testing.T) {
		res, err := newEngine(engine.AgeBasedPolicy).Process("amrs", raws, known)
		require.NoError(t, err)
		require.Len(t, res.ToInsert, 2)
		require.Len(t, res.ToUpdate, 1)
		require.Len(t, res.NotReady, 1)
		assert.Equal(t, "txA-h1", res.ToInsert[0].ID)
		assert.Equal(t, "txC-h3", res.ToInsert[1].ID)
		assert.Equal(t, "failed_validation", res.ToInsert[1].Doc["workflow_status"])
		assert.Equal(t, "txB-h2", res.ToUpdate[0].ID)
		assert.Equal(t, models.UpdateOp, res.ToUpdate[0].Op)
		assert.Equal(t, "txD-h4", res.NotReady[0]["id"])
		assert.Equal(t, engine.Counts{
			Fetched: 4, Jobs: 4, Workflows: 4, Inserted: 2, Updated: 1, NotReady: 1, FailedValidation: 2,
		}, res.Counts)
	})

	t.Run("PerpetualRetry", func(t *testing.T) {
		res, err := newEngine(engine.RetryPolicy).Process("amrs", raws, known)
		require.NoError(t, err)
		assert.Len(t, res.ToInsert, 3)
		assert.Len(t, res.ToUpdate, 1)
		assert.Empty(t, res.NotReady)
		for _, a := range res.ToInsert[1:] {
			assert.Equal(t, "in_progress", a.Doc["workflow_status"])
			assert.Equal(t, true, a.Doc["failed_validation"])
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		eng := newEngine(engine.AgeBasedPolicy)
		first, err := eng.Process("amrs", raws, known)
		require.NoError(t, err)
		second, err := eng.Process("amrs", raws, known)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("UpdateWithoutDetailFetch", func(t *testing.T) {
		eng := newEngine(engine.AgeBasedPolicy)
		batch := eng.Normalize([]models.RawRecord{
			rawJob(20, "leapp_upgrade_1.15", "failed", "h9", 0, vars("txK", "upgrade_7_to_8", "sub_workflow", "vastool_revert")),
		})
		groups := eng.Group(batch, models.NewIDSet("txK-h9"))
		assert.Empty(t, groups.PendingDetail())
		res := eng.Assemble("amrs", groups, models.NewIDSet("txK-h9"))
		require.Len(t, res.ToUpdate, 1)
		doc := res.ToUpdate[0].Doc
		assert.Equal(t, true, doc["failed"])
		assert.NotContains(t, doc, "automation_failure")
		jobs := doc["jobs"].([]models.Document)
		require.Len(t, jobs, 1)
		assert.NotContains(t, jobs[0], "failed_tasks")
	})
}

func TestRestoreFailedTasks(t *testing.T) {
	eng := newEngine(engine.AgeBasedPolicy)
	known := models.NewIDSet("txK-h9", "txL-h8")
	raws := []models.RawRecord{
		rawJob(20, "leapp_upgrade_1.15", "failed", "h9", 0, vars("txK", "upgrade_7_to_8", "sub_workflow", "vastool_revert")),
		rawJob(21, "leapp_upgrade_1.15", "failed", "h8", 0, vars("txL", "upgrade_7_to_8", "sub_workflow", "vastool_revert")),
		rawJob(22, "leapp_upgrade_1.15", "failed", "h7", 0, vars("txM", "upgrade_7_to_8", "sub_workflow", "vastool_revert")),
	}
	stored := map[string]models.Document{
		"txK-h9": {"id": "txK-h9", "jobs": []interface{}{
			map[string]interface{}{"id": float64(20), "failed_tasks": []interface{}{
				map[string]interface{}{"task": "Run leapp upgrade", "event_level": float64(3)},
			}},
		}},
		"txL-h8": {"id": "txL-h8", "jobs": []models.Document{{"id": float64(21), "failed_tasks": []models.Document{}}}},
	}

	groups := eng.Group(eng.Normalize(raws), known)
	assert.Equal(t, []string{"txK-h9", "txL-h8"}, groups.SkippedDetail())

	eng.RestoreFailedTasks(groups, stored)
	assert.Empty(t, groups.SkippedDetail())
	restored := groups.Jobs("txK-h9")[0]
	require.Len(t, restored.FailedTasks, 1)
	assert.True(t, restored.FailedTasks[0].AutomationFailure)
	assert.Equal(t, []string{"21", "22"}, jobIDs(groups.PendingDetail()))

	res := eng.Assemble("amrs", groups, known)
	require.Len(t, res.ToUpdate, 2)
	assert.Equal(t, "txK-h9", res.ToUpdate[0].ID)
	assert.Equal(t, true, res.ToUpdate[0].Doc["automation_failure"])
	tasks := res.ToUpdate[0].Doc["jobs"].([]models.Document)[0]["failed_tasks"].([]models.Document)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Run leapp upgrade", tasks[0]["task"])
}

func TestNormalizeBatch(t *testing.T) {
	eng := newEngine(engine.AgeBasedPolicy)

	t.Run("SkipsAndDrops", func(t *testing.T) {
		noTx := rawJob(30, "leapp_x", "successful", "h1", 0, map[string]interface{}{"major_workflow": "upgrade_7_to_8"})
		noLimit := rawJob(31, "leapp_x", "successful", "", 0, vars("tx", "upgrade_7_to_8"))
		badTime := rawJob(32, "leapp_x", "successful", "h1", 0, vars("tx", "upgrade_7_to_8"))
		badTime["finished"] = "yesterday"
		good := rawJob(33, "leapp_x", "successful", "h1", 0, vars("tx", "upgrade_7_to_8"))

		batch := eng.Normalize([]models.RawRecord{noTx, noLimit, badTime, good})
		assert.Equal(t, 4, batch.Fetched)
		assert.Equal(t, 2, batch.Skipped)
		require.Len(t, batch.Malformed, 1)
		require.Len(t, batch.Jobs, 1)
		assert.Equal(t, "33", batch.Jobs[0].ID)
	})

	tests := []struct {
		name   string
		mutate func(raw models.RawRecord)
		field  string
	}{
		{"MalformedFinished", func(raw models.RawRecord) { raw["finished"] = "yesterday" }, "finished"},
		{"MalformedStarted", func(raw models.RawRecord) { raw["started"] = float64(12) }, "started"},
		{"MalformedExtraVars", func(raw models.RawRecord) { raw["extra_vars"] = "{not json" }, "extra_vars"},
		{"ExtraVarsOfWrongType", func(raw models.RawRecord) { raw["extra_vars"] = []interface{}{"txId"} }, "extra_vars"},
		{"MissingCreated", func(raw models.RawRecord) { delete(raw, "created") }, "created"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawJob(32, "leapp_x", "successful", "h1", 0, vars("tx", "upgrade_7_to_8"))
			tt.mutate(raw)
			batch := eng.Normalize([]models.RawRecord{raw})
			assert.Empty(t, batch.Jobs)
			require.Len(t, batch.Malformed, 1)
			var malformed *engine.MalformedJobError
			require.ErrorAs(t, batch.Malformed[0], &malformed)
			assert.Equal(t, "32", malformed.JobID)
			assert.Equal(t, tt.field, malformed.Field)
		})
	}

	t.Run("AgePolicyWithoutFinishedIsNotReady", func(t *testing.T) {
		running := rawJob(34, "leapp_upgrade_1.15", "running", "h1", -10*time.Hour, vars("txR", "upgrade_8_to_9"))
		running["finished"] = nil
		other := rawJob(35, "leapp_operational_1.15", "successful", "h2", 0, vars("txS", "operational_check_8_to_9"))

		res, err := eng.Process("amrs", []models.RawRecord{running, other}, models.NewIDSet())
		require.NoError(t, err)
		require.Len(t, res.NotReady, 1)
		assert.Equal(t, "txR-h1", res.NotReady[0]["id"])
		assert.Equal(t, "in_progress", res.NotReady[0]["workflow_status"])
		require.Len(t, res.ToInsert, 1)
		assert.Equal(t, "txS-h2", res.ToInsert[0].ID)
	})
}

func TestAutomationFailure(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		tasks    []string
		expected bool
	}{
		{"OnlyInfrastructureSteps", "failed", []string{"Gathering Facts", "Check for inhibitors"}, false},
		{"AutomationStep", "failed", []string{"Gathering Facts", "Run leapp upgrade"}, true},
		{"NoFailedTasks", "failed", nil, false},
		{"NotFailed", "successful", []string{"Run leapp upgrade"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newEngine(engine.RetryPolicy)
			batch := eng.Normalize([]models.RawRecord{
				rawJob(40, "leapp_upgrade", tt.status, "h1", 0, vars("tx", "upgrade_7_to_8")),
			})
			groups := eng.Group(batch, models.NewIDSet())
			for _, job := range groups.PendingDetail() {
				var events []models.RawRecord
				for _, task := range tt.tasks {
					events = append(events, models.RawRecord{"task": task, "event_level": float64(3)})
				}
				eng.AttachFailedTasks(job, events)
			}
			res := eng.Assemble("amrs", groups, models.NewIDSet())
			require.Len(t, res.ToInsert, 1)
			assert.Equal(t, tt.expected, res.ToInsert[0].Doc["automation_failure"])
		})
	}
}
