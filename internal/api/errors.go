package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// ErrorResponse is the envelope of every error response.
type ErrorResponse struct {
	Error *core.OJSError `json:"error"`
}

// WriteJSON writes v as the response body with the OJS media type.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", core.OJSMediaType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes err with status, stamping the request id.
func WriteError(w http.ResponseWriter, status int, err *core.OJSError) {
	out := *err
	if reqID := w.Header().Get("X-Request-Id"); reqID != "" {
		out.RequestID = reqID
	}
	WriteJSON(w, status, ErrorResponse{Error: &out})
}

// HandleError writes any error returned by the backend. Errors that are not
// *core.OJSError become internal errors.
func HandleError(w http.ResponseWriter, err error) {
	ojsErr, ok := core.AsOJSError(err)
	if !ok {
		slog.Error("unhandled backend error", "error", err)
		ojsErr = core.NewInternalError(err.Error())
	}
	WriteError(w, StatusFor(ojsErr.Code), ojsErr)
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case core.ErrCodeUnauthorized, core.ErrCodeWorkerNotAuthorized:
		return http.StatusForbidden
	case core.ErrCodeDuplicate, core.ErrCodeConflict, core.ErrCodeThreadBusy,
		core.ErrCodeThreadPaused, core.ErrCodeTriggerNotDue:
		return http.StatusConflict
	case core.ErrCodeInsufficientBalance, core.ErrCodeFeeCeilingExceeded:
		return http.StatusPaymentRequired
	case core.ErrCodeTriggerConditionUnreadable, core.ErrCodeInstructionFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
