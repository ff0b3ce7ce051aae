package service

import (
	"slices"

	"github.com/ignatij/leappflow/internal/log"
	"github.com/ignatij/leappflow/pkg/models"
	"github.com/ignatij/leappflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	DefaultRunLimit = 20
	MaxRunLimit     = 500
)

var ErrInvalidRegion = errors.New("invalid region")

// RunService answers queries about recorded ingestion runs.
type RunService struct {
	store   storage.RunStore
	regions []string
}

func NewRunService(store storage.RunStore, regions []string) *RunService {
	return &RunService{store: store, regions: regions}
}

// ListRuns returns the latest runs of region, or of every region when it
// is empty. limit is clamped to [1, MaxRunLimit].
func (s *RunService) ListRuns(region string, limit int) ([]models.IngestionRun, error) {
	if region != "" && !slices.Contains(s.regions, region) {
		return nil, errors.Wrap(ErrInvalidRegion, region)
	}
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	if limit > MaxRunLimit {
		limit = MaxRunLimit
	}
	runs, err := s.store.ListRuns(region, limit)
	if err != nil {
		log.GetLogger().Errorf("Failed to list runs for region %q: %v", region, err)
		return nil, err
	}
	return runs, nil
}

// LastRuns returns the latest run of each region that has one.
func (s *RunService) LastRuns() (map[string]models.IngestionRun, error) {
	last := make(map[string]models.IngestionRun, len(s.regions))
	for _, region := range s.regions {
		run, err := s.store.LastRun(region)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		last[region] = run
	}
	return last, nil
}

// GetRun returns one recorded run by id, or storage.ErrNotFound.
func (s *RunService) GetRun(id int64) (models.IngestionRun, error) {
	return s.store.GetRun(id)
}
