package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/payments"
)

// statusForError maps an error kind to its HTTP status
func statusForError(err error) int {
	switch {
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrValidation), errors.Is(err, billing.ErrVerification):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrTransientStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, payments.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err as a JSON error. Client errors carry their
// message; server errors are logged and answered generically.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	status := statusForError(err)
	if status < http.StatusInternalServerError {
		httputil.WriteErrorMessage(w, status, err.Error())
		return
	}

	observability.FromContext(r.Context(), logger).WithError(err).WithField("status", status).Error("Request failed")
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		httputil.WriteServiceUnavailable(w, "temporarily unavailable, retry later")
	case http.StatusBadGateway:
		httputil.WriteErrorMessage(w, status, "payment provider error")
	default:
		httputil.WriteInternalError(w)
	}
}
