package service

import (
	"context"
	"time"

	"github.com/ignatij/leappflow/pkg/engine"
	"github.com/ignatij/leappflow/pkg/metrics"
	"github.com/ignatij/leappflow/pkg/models"
	"github.com/ignatij/leappflow/pkg/source"
	"github.com/ignatij/leappflow/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the services
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Window controls which jobs a cycle fetches and which stored workflow ids
// it considers known.
type Window struct {
	FetchOverlap  time.Duration
	DedupLookback time.Duration
	DedupWindow   time.Duration
	DefaultStart  time.Time
}

// IngestService runs one ingestion cycle per region: read the platform,
// classify through the engine, write the documents and record the run.
type IngestService struct {
	engine  *engine.Engine
	source  source.JobSource
	docs    storage.DocumentStore
	runs    storage.RunStore
	metrics *metrics.Recorder
	window  Window
	logger  Logger
	now     func() time.Time

	loggerFor func(region string) Logger
}

func NewIngestService(eng *engine.Engine, src source.JobSource, docs storage.DocumentStore, runs storage.RunStore,
	recorder *metrics.Recorder, window Window, logger Logger) *IngestService {
	return &IngestService{
		engine:  eng,
		source:  src,
		docs:    docs,
		runs:    runs,
		metrics: recorder,
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
}

// SetRegionLogger makes every cycle log through the logger returned for
// its region.
func (s *IngestService) SetRegionLogger(fn func(region string) Logger) {
	s.loggerFor = fn
}

func (s *IngestService) regionLogger(region string) Logger {
	if s.loggerFor == nil {
		return s.logger
	}
	return s.loggerFor(region)
}

// IngestRegion runs a full cycle for region. Failed-task detail errors are
// logged per job and do not fail the cycle.
func (s *IngestService) IngestRegion(ctx context.Context, region string) (res *engine.Result, err error) {
	logger := s.regionLogger(region)
	started := s.now()
	run := models.IngestionRun{Region: region, StartedAt: started}
	defer func() {
		finished := s.now()
		run.FinishedAt = &finished
		switch {
		case err == nil:
			run.Status = models.SucceededRunStatus
		case errors.Is(err, engine.ErrDedupWindowOverflow):
			run.Status = models.AbortedRunStatus
		default:
			run.Status = models.FailedRunStatus
		}
		if err != nil {
			run.ErrorMsg = err.Error()
			logger.Errorf("Region %s cycle %s: %v", region, run.Status, err)
		}
		s.metrics.ObserveCycle(region, started, err)
		if _, saveErr := s.saveRun(run); saveErr != nil {
			logger.Errorf("Failed to record run for region %s: %v", region, saveErr)
		}
	}()

	anchor, start, err := s.fetchStart(ctx, region, logger)
	if err != nil {
		return nil, err
	}
	run.FetchFrom = start

	since := anchor.Add(-s.window.DedupLookback)
	known, err := s.docs.FindExistingIDs(ctx, region, since, s.window.DedupWindow)
	if err != nil {
		return nil, errors.Wrapf(err, "find existing workflows in %s", region)
	}
	if err := s.engine.CheckKnownIDs(known); err != nil {
		return nil, err
	}

	raws, err := s.source.ListJobs(ctx, region, start)
	if err != nil {
		return nil, errors.Wrapf(err, "list jobs in %s", region)
	}
	logger.Infof("Fetched %d jobs from %s created after %s (%d known workflows)", len(raws), region, start.Format(time.RFC3339), len(known))

	batch := s.engine.Normalize(raws)
	groups := s.engine.Group(batch, known)
	if ids := groups.SkippedDetail(); len(ids) > 0 {
		stored, err := s.docs.FindFailureDetail(ctx, ids)
		if err != nil {
			return nil, errors.Wrapf(err, "read stored failure detail in %s", region)
		}
		s.engine.RestoreFailedTasks(groups, stored)
	}
	for _, job := range groups.PendingDetail() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		events, err := s.source.ListFailedJobEvents(ctx, region, job.ID)
		if err != nil {
			logger.Errorf("Failed to fetch failed tasks of job %s in %s: %v", job.ID, region, err)
			continue
		}
		s.engine.AttachFailedTasks(job, events)
	}

	res = s.engine.Assemble(region, groups, known)
	run.Fetched = res.Counts.Fetched
	run.Skipped = res.Counts.Skipped
	run.Malformed = res.Counts.Malformed
	run.NotReady = res.Counts.NotReady
	s.metrics.ObserveResult(region, res.Counts)

	actions := res.Actions()
	if len(actions) == 0 {
		return res, nil
	}
	bulk, err := s.docs.BulkUpsert(ctx, actions)
	if err != nil {
		return nil, errors.Wrapf(err, "write %d workflows for %s", len(actions), region)
	}
	run.Inserted = res.Counts.Inserted
	run.Updated = res.Counts.Updated
	run.BulkFailed = bulk.Failed
	if bulk.Failed > 0 {
		s.metrics.ObserveBulkFailures(region, bulk.Failed)
		logger.Warnf("Region %s: %d of %d documents were rejected by the store", region, bulk.Failed, len(actions))
	}
	return res, nil
}

// fetchStart returns the anchor of the cycle, the last processed time or
// DefaultStart for an empty region, and the fetch start: the anchor minus
// the overlap. Under the retry policy the fetch start moves back to the
// oldest in-progress workflow.
func (s *IngestService) fetchStart(ctx context.Context, region string, logger Logger) (anchor, start time.Time, err error) {
	anchor = s.window.DefaultStart
	start = anchor
	last, err := s.docs.FindLastProcessedTime(ctx, region)
	switch {
	case err == nil:
		anchor = last
		start = last.Add(-s.window.FetchOverlap)
	case errors.Is(err, storage.ErrNotFound):
		logger.Infof("No workflows stored for %s, starting from %s", region, start.Format(time.RFC3339))
	default:
		return time.Time{}, time.Time{}, errors.Wrapf(err, "find last processed time in %s", region)
	}

	if s.engine.Config().Policy != engine.RetryPolicy {
		return anchor, start, nil
	}
	oldest, err := s.docs.FindOldestInProgress(ctx, region)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Wrapf(err, "find in-progress workflows in %s", region)
	}
	if oldest != nil && oldest.Before(start) {
		logger.Debugf("Region %s: moving fetch start back to in-progress workflow started at %s", region, oldest.Format(time.RFC3339))
		start = *oldest
	}
	return anchor, start, nil
}

func (s *IngestService) saveRun(run models.IngestionRun) (id int64, err error) {
	txStore, err := s.runs.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	id, err = txStore.SaveRun(run)
	if err != nil {
		return 0, err
	}
	return id, nil
}
