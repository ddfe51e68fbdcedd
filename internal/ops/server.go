// Package ops serves the operational HTTP surface: health probes, Prometheus
// metrics and the stats API.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.gantry.dev/internal/common/health"
	"go.gantry.dev/internal/store"
)

// Config holds ops server settings
type Config struct {
	// Addr is the listen address
	Addr string

	// ReadTimeout and WriteTimeout guard the server
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:         ":9090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer builds the ops HTTP server over the store registry.
func NewServer(config Config, checker *health.Checker, registry *store.Registry) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", checker.HandleHealth)
	r.Get("/health/live", checker.HandleLive)
	r.Get("/health/ready", checker.HandleReady)
	r.Get("/q/health", checker.HandleHealth)
	r.Get("/q/health/live", checker.HandleLive)
	r.Get("/q/health/ready", checker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/api/v1/stats", statsHandler(registry))

	return &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
}

// storeStats is the per-store section of the stats response.
type storeStats struct {
	Outbox map[string]int64 `json:"outbox"`
	Inbox  map[string]int64 `json:"inbox"`
	Error  string           `json:"error,omitempty"`
}

func statsHandler(registry *store.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
		defer cancel()

		stats := make(map[string]storeStats)
		for _, s := range registry.All() {
			stats[s.Name] = collectStats(ctx, s)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func collectStats(ctx context.Context, s *store.Store) storeStats {
	out := storeStats{
		Outbox: make(map[string]int64),
		Inbox:  make(map[string]int64),
	}

	outboxCounts, err := s.Outbox.StatusCounts(ctx)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	for status, n := range outboxCounts {
		out.Outbox[status.String()] = n
	}

	inboxCounts, err := s.Inbox.StatusCounts(ctx)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	for status, n := range inboxCounts {
		out.Inbox[string(status)] = n
	}
	return out
}
