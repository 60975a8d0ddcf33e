// Package api exposes the pipeline service over HTTP: forced execution
// and cache-first loads, freshness inspection and manual refresh, session
// reset, cache invalidation, and run history.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/elbrit-dev/queryflow/internal/domain"
	"github.com/elbrit-dev/queryflow/internal/service/freshness"
	"github.com/elbrit-dev/queryflow/internal/service/pipeline"
)

// PipelineService is the slice of the pipeline service the API uses.
// Implemented by pipeline.Service.
type PipelineService interface {
	ExecutePipeline(ctx context.Context, queryID string, window *domain.MonthWindow, sessionID string, overrides map[string]any) (domain.PipelineResult, error)
	CheckCacheAndLoad(ctx context.Context, queryID string, window *domain.MonthWindow, sessionID string, overrides map[string]any) (*pipeline.LoadResult, error)
	ResetSession(sessionID string)
	FreshnessMarker(ctx context.Context, queryID string) (*domain.FreshnessMarker, error)
	InvalidateQuery(ctx context.Context, queryID string) error
	Runs(ctx context.Context, filter domain.RunFilter) ([]domain.PipelineRun, error)
	CacheStats(ctx context.Context) (domain.CacheStats, error)
}

// FreshnessChecker probes remote endpoints on demand. Implemented by
// freshness.Detector.
type FreshnessChecker interface {
	CheckQuery(ctx context.Context, queryID string) (bool, error)
	CheckAll(ctx context.Context) (freshness.Summary, error)
}

// Handler serves the HTTP API.
type Handler struct {
	pipeline  PipelineService
	freshness FreshnessChecker
	startTime time.Time
	logger    *slog.Logger
}

// NewHandler builds the API handler.
func NewHandler(pipelineSvc PipelineService, checker FreshnessChecker, logger *slog.Logger) *Handler {
	return &Handler{
		pipeline:  pipelineSvc,
		freshness: checker,
		startTime: time.Now(),
		logger:    logger.With("component", "api"),
	}
}

type healthResponse struct {
	Status        string             `json:"status"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Cache         cacheStatsResponse `json:"cache"`
}

type cacheStatsResponse struct {
	Queries int64 `json:"queries"`
	Entries int64 `json:"entries"`
	Rows    int64 `json:"rows"`
}

// Health implements GET /healthz. Cache statistics are best effort; the
// endpoint reports ok as long as the process serves requests.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.CacheStats(r.Context())
	if err != nil {
		h.logger.Warn("cache stats unavailable", "error", err)
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Cache: cacheStatsResponse{
			Queries: stats.Queries,
			Entries: stats.Entries,
			Rows:    stats.Rows,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
