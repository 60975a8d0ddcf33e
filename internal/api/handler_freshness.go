package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

type freshnessResponse struct {
	QueryID   string          `json:"query_id"`
	Marker    json.RawMessage `json:"marker"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Freshness implements GET /v1/queries/{queryID}/freshness: the stored
// change marker, which the UI renders as "last updated". 404 until the
// first probe stores a marker.
func (h *Handler) Freshness(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")
	marker, err := h.pipeline.FreshnessMarker(r.Context(), queryID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, freshnessResponse{
		QueryID:   marker.QueryID,
		Marker:    marker.Value,
		UpdatedAt: marker.UpdatedAt,
	})
}

// refreshRequest selects what to probe. An empty body sweeps every
// document with a probe.
type refreshRequest struct {
	QueryID string `json:"query_id,omitempty"`
}

type refreshQueryResponse struct {
	QueryID string `json:"query_id"`
	Changed bool   `json:"changed"`
}

// Refresh implements POST /v1/queries/refresh: run the change detector
// now instead of waiting for the schedule.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, domain.ErrValidation("invalid request body: %v", err))
		return
	}

	if req.QueryID != "" {
		changed, err := h.freshness.CheckQuery(r.Context(), req.QueryID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, refreshQueryResponse{QueryID: req.QueryID, Changed: changed})
		return
	}

	summary, err := h.freshness.CheckAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
