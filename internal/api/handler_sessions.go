package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

// ResetSession implements DELETE /v1/sessions/{sessionID}: discard the
// session's memoized results. The next trigger rebuilds them.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, domain.ErrValidation("session id is required"))
		return
	}
	h.pipeline.ResetSession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateCache implements DELETE /v1/queries/{queryID}/cache: drop
// every cached partition and the freshness marker for a query.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")
	if err := h.pipeline.InvalidateQuery(r.Context(), queryID); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("cache invalidated", "query_id", queryID)
	w.WriteHeader(http.StatusNoContent)
}
