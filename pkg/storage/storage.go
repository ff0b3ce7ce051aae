package storage

import (
	"context"
	"time"

	"github.com/ignatij/leappflow/pkg/models"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// BulkItemError describes one rejected item of a bulk request.
type BulkItemError struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

type BulkResult struct {
	Succeeded int
	Failed    int
	Errors    []BulkItemError
}

// DocumentStore defines the workflow document operations.
type DocumentStore interface {
	// FindLastProcessedTime returns the latest finished time of the region's
	// workflows, or ErrNotFound when the region has none.
	FindLastProcessedTime(ctx context.Context, region string) (time.Time, error)
	// FindOldestInProgress returns the started time of the oldest in_progress
	// workflow, or nil when there is none.
	FindOldestInProgress(ctx context.Context, region string) (*time.Time, error)
	// FindExistingIDs returns the ids of workflows finished in
	// [since, since+window].
	FindExistingIDs(ctx context.Context, region string, since time.Time, window time.Duration) (models.IDSet, error)
	// FindFailureDetail returns the stored documents of ids, reduced to
	// their job ids and failed tasks. Missing ids are absent from the map.
	FindFailureDetail(ctx context.Context, ids []string) (map[string]models.Document, error)
	BulkUpsert(ctx context.Context, actions []models.Action) (BulkResult, error)
}

// RunStore defines the ingestion run history operations.
type RunStore interface {
	Begin() (RunStore, error)
	Commit() error
	Rollback() error
	Close() error

	SaveRun(run models.IngestionRun) (int64, error)
	GetRun(id int64) (models.IngestionRun, error)
	// ListRuns returns the most recent runs first. An empty region matches
	// every region.
	ListRuns(region string, limit int) ([]models.IngestionRun, error)
	LastRun(region string) (models.IngestionRun, error)
}
