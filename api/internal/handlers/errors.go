package handlers

import (
	"errors"
	"net/http"

	"sibol-maintenance/api/internal/session"
	"sibol-maintenance/api/internal/ticketctl"
	"sibol-maintenance/shared/clients/sibol"
	"sibol-maintenance/shared/httpx"
)

// writeError maps controller and transport errors onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error, details map[string]any) {
	status, code, msg := classify(err)
	var verr *ticketctl.ValidationError
	if errors.As(err, &verr) {
		if details == nil {
			details = map[string]any{}
		}
		details["fields"] = verr.Fields
	}
	var pf *sibol.PartialFailureError
	if errors.As(err, &pf) {
		if details == nil {
			details = map[string]any{}
		}
		details["ticket_id"] = pf.RequestID
	}
	if len(details) == 0 {
		httpx.WriteError(w, r, status, code, msg, nil)
		return
	}
	httpx.WriteError(w, r, status, code, msg, details)
}

func classify(err error) (int, string, string) {
	var (
		bad  *badRequestError
		verr *ticketctl.ValidationError
		pf   *sibol.PartialFailureError
		ne   *sibol.NetworkError
		se   *sibol.ServerError
	)
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, "INVALID_ARGUMENT", bad.Error()
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED", verr.Error()
	case errors.Is(err, session.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHENTICATED", "sign in to continue"
	case errors.Is(err, ticketctl.ErrActionNotAllowed):
		return http.StatusConflict, "ACTION_NOT_ALLOWED", err.Error()
	case errors.Is(err, ticketctl.ErrSubmitInFlight):
		return http.StatusConflict, "SUBMIT_IN_FLIGHT", err.Error()
	case errors.Is(err, ticketctl.ErrDeleteDeclined):
		return http.StatusConflict, "DELETE_DECLINED", err.Error()
	case errors.Is(err, ticketctl.ErrNotOpen), errors.Is(err, ticketctl.ErrStale):
		return http.StatusConflict, "TICKET_CHANGED", "ticket changed, reload and try again"
	case errors.As(err, &pf):
		return http.StatusBadGateway, "PARTIAL_FAILURE", pf.Error()
	case errors.As(err, &ne):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "maintenance backend unreachable"
	case errors.As(err, &se):
		if se.StatusCode >= 400 && se.StatusCode < 500 {
			msg := se.Message
			if msg == "" {
				msg = http.StatusText(se.StatusCode)
			}
			return se.StatusCode, upstreamCode(se.StatusCode), msg
		}
		return http.StatusBadGateway, "UPSTREAM_ERROR", se.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

func upstreamCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusConflict:
		return "CONFLICT"
	default:
		return "UPSTREAM_REJECTED"
	}
}
