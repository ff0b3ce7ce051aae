package engine_test

import (
	"testing"
	"time"

	"github.com/ignatij/leappflow/pkg/engine"
	"github.com/ignatij/leappflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobIDs(jobs []*models.Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func TestGroupJobs(t *testing.T) {
	eng := newEngine(engine.AgeBasedPolicy)
	a1 := rawJob(1, "a", "successful", "h1", 0, vars("txA", "upgrade_7_to_8"))
	b1 := rawJob(2, "b", "successful", "h2", 0, vars("txB", "upgrade_7_to_8"))
	a2 := rawJob(3, "a", "failed", "h1", time.Minute, vars("txA", "upgrade_7_to_8"))
	c1 := rawJob(4, "c", "successful", "h1", 0, vars("txC", "upgrade_7_to_8"))
	a3 := rawJob(5, "a", "successful", "h1", 2*time.Minute, vars("txA", "upgrade_7_to_8"))
	// Same txId on another host is a different workflow.
	a4 := rawJob(6, "a", "successful", "h9", 0, vars("txA", "upgrade_7_to_8"))

	t.Run("KeyOrderAndArrivalOrder", func(t *testing.T) {
		groups := eng.Group(eng.Normalize([]models.RawRecord{a1, b1, a2, c1, a3, a4}), models.NewIDSet())
		assert.Equal(t, []string{"txA-h1", "txB-h2", "txC-h1", "txA-h9"}, groups.Keys())
		assert.Equal(t, []string{"1", "3", "5"}, jobIDs(groups.Jobs("txA-h1")))
		assert.Equal(t, 4, groups.Len())
	})

	t.Run("StableUnderReorderingOfUnrelatedJobs", func(t *testing.T) {
		first := eng.Group(eng.Normalize([]models.RawRecord{a1, b1, a2, c1, a3}), models.NewIDSet())
		second := eng.Group(eng.Normalize([]models.RawRecord{c1, a1, a2, b1, a3}), models.NewIDSet())
		for _, id := range []string{"txA-h1", "txB-h2", "txC-h1"} {
			assert.Equal(t, jobIDs(first.Jobs(id)), jobIDs(second.Jobs(id)))
		}
	})

	t.Run("KnownWorkflowsSkipDetail", func(t *testing.T) {
		groups := eng.Group(eng.Normalize([]models.RawRecord{a1, a2, b1}), models.NewIDSet("txA-h1"))
		for _, j := range groups.Jobs("txA-h1") {
			assert.True(t, j.DetailSkipped)
		}
		assert.Empty(t, groups.PendingDetail())
		assert.Len(t, groups.Jobs("txA-h1"), 2)
		assert.Equal(t, []string{"txA-h1"}, groups.SkippedDetail())
	})

	t.Run("PendingDetailForUnknownFailedJobs", func(t *testing.T) {
		groups := eng.Group(eng.Normalize([]models.RawRecord{a1, a2, b1}), models.NewIDSet())
		pending := groups.PendingDetail()
		require.Len(t, pending, 1)
		assert.Equal(t, "3", pending[0].ID)
	})

	t.Run("LatestFinished", func(t *testing.T) {
		groups := eng.Group(eng.Normalize([]models.RawRecord{a1, a3, b1}), models.NewIDSet())
		require.NotNil(t, groups.LatestFinished())
		assert.Equal(t, base.Add(2*time.Minute), *groups.LatestFinished())
	})
}
