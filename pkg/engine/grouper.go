package engine

import (
	"time"

	"github.com/ignatij/leappflow/pkg/models"
)

// WorkflowID returns the composite key txId-limit for a job.
func WorkflowID(job *models.Job) string {
	return job.TxID() + "-" + job.Limit
}

// Groups maps workflow ids to their jobs, keeping first-seen key order and
// arrival order inside each key.
type Groups struct {
	batch *Batch
	order []string
	byID  map[string][]*models.Job
}

// GroupJobs partitions batch by WorkflowID. Jobs whose workflow is already
// in known are marked DetailSkipped so that failed-task detail is not
// fetched again.
func GroupJobs(batch *Batch, known models.IDSet) *Groups {
	g := &Groups{batch: batch, byID: make(map[string][]*models.Job)}
	if batch == nil {
		return g
	}
	for _, job := range batch.Jobs {
		id := WorkflowID(job)
		if known.Has(id) {
			job.DetailSkipped = true
		}
		if _, ok := g.byID[id]; !ok {
			g.order = append(g.order, id)
		}
		g.byID[id] = append(g.byID[id], job)
	}
	return g
}

func (g *Groups) Batch() *Batch {
	return g.batch
}

// Keys returns workflow ids in first-seen order.
func (g *Groups) Keys() []string {
	return g.order
}

func (g *Groups) Jobs(id string) []*models.Job {
	return g.byID[id]
}

func (g *Groups) Len() int {
	return len(g.order)
}

// PendingDetail lists failed jobs of unknown workflows that still need
// their failed tasks fetched.
func (g *Groups) PendingDetail() []*models.Job {
	var pending []*models.Job
	for _, id := range g.order {
		for _, job := range g.byID[id] {
			if job.IsFailed() && !job.DetailSkipped && len(job.FailedTasks) == 0 {
				pending = append(pending, job)
			}
		}
	}
	return pending
}

// SkippedDetail lists the known workflows holding failed jobs whose detail
// was skipped, in first-seen order.
func (g *Groups) SkippedDetail() []string {
	var ids []string
	for _, id := range g.order {
		for _, job := range g.byID[id] {
			if detailMissing(job) {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

func detailMissing(job *models.Job) bool {
	return job.IsFailed() && job.DetailSkipped && len(job.FailedTasks) == 0
}

// LatestFinished returns the latest finish time across all grouped jobs,
// or nil when no job has finished.
func (g *Groups) LatestFinished() *time.Time {
	var latest *time.Time
	for _, id := range g.order {
		for _, job := range g.byID[id] {
			if job.Finished != nil && (latest == nil || job.Finished.After(*latest)) {
				latest = job.Finished
			}
		}
	}
	return latest
}
