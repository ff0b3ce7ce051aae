package source

import (
	"context"
	"time"

	"github.com/ignatij/leappflow/pkg/models"
)

// JobSource lists raw job records from a regional automation platform.
type JobSource interface {
	// ListJobs returns finished leapp jobs created after createdAfter, in
	// the order the platform returns them.
	ListJobs(ctx context.Context, region string, createdAfter time.Time) ([]models.RawRecord, error)
	// ListFailedJobEvents returns the failed task events of one job.
	ListFailedJobEvents(ctx context.Context, region, jobID string) ([]models.RawRecord, error)
}
