// Package mapper converts between domain errors and API layer responses.
package mapper

import (
	"errors"
	"net/http"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

// HTTPStatusFromDomainError maps domain errors to HTTP status codes.
//
// Fetch failures surface as 502: the service reached the remote endpoint
// and the round trip failed. Cache, parse, and transform errors that
// escape the pipeline are internal failures.
func HTTPStatusFromDomainError(err error) int {
	var notFound *domain.NotFoundError
	var validation *domain.ValidationError
	var fetch *domain.FetchError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &fetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
