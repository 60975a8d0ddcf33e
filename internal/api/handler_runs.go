package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

type runsResponse struct {
	Runs []runResponse `json:"runs"`
}

type runResponse struct {
	ID           string    `json:"id"`
	QueryID      string    `json:"query_id"`
	Trigger      string    `json:"trigger"`
	Window       string    `json:"window,omitempty"`
	Status       string    `json:"status"`
	RowCount     int64     `json:"row_count"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func runToAPI(r domain.PipelineRun) runResponse {
	return runResponse{
		ID:           r.ID,
		QueryID:      r.QueryID,
		Trigger:      r.Trigger,
		Window:       r.WindowKey,
		Status:       r.Status,
		RowCount:     r.RowCount,
		DurationMs:   r.DurationMs,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
	}
}

// Runs implements GET /v1/runs: recent pipeline executions, newest first,
// filterable by query_id and status.
func (h *Handler) Runs(w http.ResponseWriter, r *http.Request) {
	filter := domain.RunFilter{}
	if v := r.URL.Query().Get("query_id"); v != "" {
		filter.QueryID = &v
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = &v
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, domain.ErrValidation("invalid limit %q", v))
			return
		}
		filter.Limit = n
	}

	runs, err := h.pipeline.Runs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	data := make([]runResponse, len(runs))
	for i, run := range runs {
		data[i] = runToAPI(run)
	}
	writeJSON(w, http.StatusOK, runsResponse{Runs: data})
}
