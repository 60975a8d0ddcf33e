package api

import (
	"encoding/json"
	"net/http"

	"github.com/elbrit-dev/queryflow/internal/domain"
	"github.com/elbrit-dev/queryflow/internal/service/pipeline"
)

// pipelineRequest is the body of execute and load calls. Window uses the
// "YYYY-MM..YYYY-MM" key form; variables override the document defaults
// for this call only.
type pipelineRequest struct {
	QueryID   string         `json:"query_id"`
	Window    string         `json:"window,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

type executeResponse struct {
	QueryID string                `json:"query_id"`
	Window  string                `json:"window,omitempty"`
	Result  domain.PipelineResult `json:"result"`
}

type loadResponse struct {
	QueryID string `json:"query_id"`
	Window  string `json:"window,omitempty"`
	*pipeline.LoadResult
}

func decodePipelineRequest(r *http.Request) (*pipelineRequest, *domain.MonthWindow, error) {
	var req pipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, nil, domain.ErrValidation("invalid request body: %v", err)
	}
	if req.QueryID == "" {
		return nil, nil, domain.ErrValidation("query_id is required")
	}
	window, err := domain.ParseWindowKey(req.Window)
	if err != nil {
		return nil, nil, err
	}
	return &req, window, nil
}

// Execute implements POST /v1/pipeline/execute: a forced fresh fetch that
// bypasses the cache read path.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	req, window, err := decodePipelineRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.pipeline.ExecutePipeline(r.Context(), req.QueryID, window, req.SessionID, req.Variables)
	if err != nil {
		h.logger.Error("execute failed", "query_id", req.QueryID, "window", window.Key(), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{QueryID: req.QueryID, Window: window.Key(), Result: result})
}

// Load implements POST /v1/pipeline/load: the cache-first read path.
func (h *Handler) Load(w http.ResponseWriter, r *http.Request) {
	req, window, err := decodePipelineRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	loaded, err := h.pipeline.CheckCacheAndLoad(r.Context(), req.QueryID, window, req.SessionID, req.Variables)
	if err != nil {
		h.logger.Error("load failed", "query_id", req.QueryID, "window", window.Key(), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loadResponse{QueryID: req.QueryID, Window: window.Key(), LoadResult: loaded})
}
