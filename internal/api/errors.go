package api

import (
	"net/http"

	"github.com/donsqualo/clawdorio/internal/apperr"
)

var statusByKind = map[apperr.Kind]int{
	apperr.InvalidInput:       http.StatusBadRequest,
	apperr.NotFound:           http.StatusNotFound,
	apperr.Conflict:           http.StatusConflict,
	apperr.Preconditions:      http.StatusPreconditionFailed,
	apperr.ExternalDependency: http.StatusFailedDependency,
	apperr.RateLimited:        http.StatusTooManyRequests,
	apperr.Internal:           http.StatusInternalServerError,
}

// writeError maps err to an HTTP status via apperr.Kind, falling back to 500
// for errors that never went through the apperr constructors.
func writeError(w http.ResponseWriter, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status, ok := statusByKind[ae.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": ae.Tag, "detail": ae.Error()})
}
