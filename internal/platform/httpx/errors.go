// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/sitekeeper/sitekeeper/internal/shared"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps domain errors to HTTP responses using RFC7807. Only
// validation errors echo their message; denials use a generic detail so
// internal reasons stay in the audit trail.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", "")
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden),
		errors.Is(err, shared.ErrCSRFTokenMissing),
		errors.Is(err, shared.ErrCSRFTokenMismatch):
		Problem(w, http.StatusForbidden, "Forbidden", "You do not have access to this resource")
	case errors.Is(err, ErrUnauthorized), errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", "Authentication failed")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
