package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ignatij/leappflow/internal/log"
	"github.com/ignatij/leappflow/internal/service"
	"github.com/ignatij/leappflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHandler wires the health, metrics and run history endpoints.
func NewHandler(svc *service.RunService, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/runs", RunsHandler(svc))
	mux.HandleFunc("GET /runs/last", LastRunsHandler(svc))
	mux.HandleFunc("GET /runs/{id}", RunHandler(svc))
	return mux
}

// StartServer serves until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, port string, svc *service.RunService) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewHandler(svc, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting leappflow server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "leappflow server is running")
}

func RunsHandler(svc *service.RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "Invalid 'limit' parameter", http.StatusBadRequest)
				return
			}
			limit = n
		}
		runs, err := svc.ListRuns(r.URL.Query().Get("region"), limit)
		if errors.Is(err, service.ErrInvalidRegion) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to list runs: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list runs: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, runs)
	}
}

// LastRunsHandler returns the latest run of every region keyed by region.
func LastRunsHandler(svc *service.RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		last, err := svc.LastRuns()
		if err != nil {
			log.GetLogger().Errorf("Failed to get last runs: %v", err)
			http.Error(w, fmt.Sprintf("Failed to get last runs: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, last)
	}
}

func RunHandler(svc *service.RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "Invalid run id", http.StatusBadRequest)
			return
		}
		run, err := svc.GetRun(id)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Run %d not found", id), http.StatusNotFound)
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to get run %d: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to get run: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, run)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
