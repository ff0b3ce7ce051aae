package service

import (
	"context"
	"sync"
	"time"

	"github.com/ignatij/leappflow/pkg/engine"
	"golang.org/x/sync/errgroup"
)

// RegionIngester processes one region cycle.
type RegionIngester interface {
	IngestRegion(ctx context.Context, region string) (*engine.Result, error)
}

type PollerConfig struct {
	Regions            []string
	Concurrency        int
	RunInterval        time.Duration
	ErrorRetryInterval time.Duration
}

// Poller runs ingestion cycles over every region until its context ends.
type Poller struct {
	ingester RegionIngester
	cfg      PollerConfig
	logger   Logger
}

func NewPoller(ingester RegionIngester, cfg PollerConfig, logger Logger) *Poller {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = 10 * time.Minute
	}
	if cfg.ErrorRetryInterval <= 0 {
		cfg.ErrorRetryInterval = 5 * time.Minute
	}
	return &Poller{ingester: ingester, cfg: cfg, logger: logger}
}

// RunCycle ingests every region once and returns the errors by region. A
// failing region does not stop the others.
func (p *Poller) RunCycle(ctx context.Context) map[string]error {
	var (
		mu   sync.Mutex
		errs = map[string]error{}
	)
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)
	for _, region := range p.cfg.Regions {
		if ctx.Err() != nil {
			mu.Lock()
			errs[region] = ctx.Err()
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			if _, err := p.ingester.IngestRegion(ctx, region); err != nil {
				mu.Lock()
				errs[region] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Run loops until ctx is cancelled. After a cycle with any failing region
// the next one starts after ErrorRetryInterval instead of RunInterval.
func (p *Poller) Run(ctx context.Context) error {
	for {
		started := time.Now()
		errs := p.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := p.cfg.RunInterval
		if len(errs) > 0 {
			wait = p.cfg.ErrorRetryInterval
			p.logger.Warnf("Cycle finished with %d failing regions in %s, retrying in %s", len(errs), time.Since(started), wait)
		} else {
			p.logger.Infof("Cycle finished in %s, next in %s", time.Since(started), wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
