package api

import (
	"net/http"

	"github.com/elbrit-dev/queryflow/internal/db/mapper"
)

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeError maps a domain error to its HTTP status and writes the
// standard error body.
func writeError(w http.ResponseWriter, err error) {
	status := mapper.HTTPStatusFromDomainError(err)
	writeJSON(w, status, errorBody{Code: status, Message: err.Error()})
}
