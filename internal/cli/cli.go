package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignatij/leappflow/internal/aap"
	"github.com/ignatij/leappflow/internal/config"
	internal_http "github.com/ignatij/leappflow/internal/http"
	"github.com/ignatij/leappflow/internal/log"
	internal_service "github.com/ignatij/leappflow/internal/service"
	internal_storage "github.com/ignatij/leappflow/internal/storage"
	"github.com/ignatij/leappflow/pkg/engine"
	"github.com/ignatij/leappflow/pkg/metrics"
	"github.com/ignatij/leappflow/pkg/models"
	"github.com/ignatij/leappflow/pkg/service"
	"github.com/ignatij/leappflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func SetupCLI(rootCmd *cobra.Command) {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Poll every region and serve health, metrics and run history",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			a := newApp(cfg)
			defer a.runs.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			poller := service.NewPoller(a.ingest, pollerConfig(cfg, cfg.RegionNames()), log.GetLogger())
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return poller.Run(gctx) })
			g.Go(func() error {
				return internal_http.StartServer(gctx, cfg.HTTPPort, internal_service.NewRunService(a.runs, cfg.RegionNames()))
			})
			if err := g.Wait(); err != nil {
				log.GetLogger().Errorf("Stopped with error: %v", err)
				os.Exit(1)
			}
			log.GetLogger().Info("Stopped")
		},
	}

	onceCmd := &cobra.Command{
		Use:   "once [region...]",
		Short: "Run a single ingestion cycle for the given regions (default: all)",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			regions := cfg.RegionNames()
			if len(args) > 0 {
				for _, r := range args {
					if _, ok := cfg.Region(r); !ok {
						fmt.Fprintf(os.Stderr, "Error: region %q is not configured\n", r)
						os.Exit(1)
					}
				}
				regions = args
			}
			// Deferred cleanup runs before the process exits.
			code := func() int {
				a := newApp(cfg)
				defer a.runs.Close()

				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				errs := service.NewPoller(a.ingest, pollerConfig(cfg, regions), log.GetLogger()).RunCycle(ctx)
				return reportCycle(os.Stdout, regions, errs)
			}()
			if code != 0 {
				os.Exit(code)
			}
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Classify a JSON array of raw jobs offline and print the result",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			region, err := cmd.Flags().GetString("region")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving region flag: %v", err)
				os.Exit(1)
			}
			known, err := cmd.Flags().GetStringSlice("known")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving known flag: %v", err)
				os.Exit(1)
			}
			cfg := loadConfig()
			res, err := validateFile(cfg.Engine, args[0], region, models.NewIDSet(known...))
			if err != nil {
				log.GetLogger().Errorf("Failed to validate %s: %v", args[0], err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	validateCmd.Flags().String("region", "offline", "Region recorded on the documents")
	validateCmd.Flags().StringSlice("known", nil, "Workflow ids treated as already stored")

	rootCmd.AddCommand(runCmd, onceCmd, validateCmd)
}

// validateFile runs the engine over the raw jobs stored in path.
func validateFile(cfg engine.Config, path, region string, known models.IDSet) (*engine.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var raws []models.RawRecord
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return engine.New(cfg, log.GetLogger()).Process(region, raws, known)
}

// reportCycle prints one line per region and returns the exit code.
func reportCycle(w io.Writer, regions []string, errs map[string]error) int {
	for _, r := range regions {
		if err, ok := errs[r]; ok {
			fmt.Fprintf(w, "- %s: failed: %v\n", r, err)
			continue
		}
		fmt.Fprintf(w, "- %s: ok\n", r)
	}
	if len(errs) > 0 {
		return 1
	}
	return 0
}

type app struct {
	ingest *service.IngestService
	runs   storage.RunStore
}

func newApp(cfg *config.Config) *app {
	logger := log.GetLogger()
	source, err := aap.NewClient(cfg.Regions, aap.OptionsFromConfig(cfg), logger)
	if err != nil {
		logger.Errorf("Failed to initialize platform clients: %v", err)
		os.Exit(1)
	}
	docs, err := internal_storage.NewOpenSearchStore(internal_storage.OpenSearchOptions{
		URL:         cfg.OpenSearch.URL,
		Index:       cfg.OpenSearch.Index,
		Username:    cfg.OpenSearch.Username,
		Password:    cfg.OpenSearch.Password,
		QuerySize:   cfg.OpenSearch.QuerySize,
		InsecureTLS: cfg.OpenSearch.InsecureTLS,
		Retry:       cfg.Retry,
	}, logger)
	if err != nil {
		logger.Errorf("Failed to initialize document store: %v", err)
		os.Exit(1)
	}
	runs, err := internal_storage.NewRunStore(cfg.DatabaseURL)
	if err != nil {
		logger.Errorf("Failed to initialize run store: %v", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Warn("No database configured, run history is kept in memory")
	}

	window := service.Window{
		FetchOverlap:  cfg.Window.FetchOverlap,
		DedupLookback: cfg.Window.DedupLookback,
		DedupWindow:   cfg.Window.DedupWindow,
		DefaultStart:  cfg.Window.DefaultStart,
	}
	eng := engine.New(cfg.Engine, logger)
	ingest := service.NewIngestService(eng, source, docs, runs, metrics.Default(), window, logger)
	ingest.SetRegionLogger(func(region string) service.Logger { return log.ForRegion(region) })
	return &app{ingest: ingest, runs: runs}
}

func pollerConfig(cfg *config.Config, regions []string) service.PollerConfig {
	return service.PollerConfig{
		Regions:            regions,
		Concurrency:        cfg.RegionConcurrency,
		RunInterval:        cfg.RunInterval,
		ErrorRetryInterval: cfg.ErrorRetryInterval,
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.GetLogger().Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	log.Configure(cfg.LogLevel, cfg.LogFormat)
	return cfg
}
