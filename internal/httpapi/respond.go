package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mydriatech/fragtale/internal/fragerr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// RespondDomainError maps one of fragerr's sentinels to the HTTP status and
// error code a client should see, and writes it. An err that matches none
// of them is logged at error level and reported as a generic 500, since
// it represents a failure the transport layer didn't anticipate.
func RespondDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, fragerr.ErrClockOutOfTolerance):
		RespondError(w, http.StatusServiceUnavailable, "clock_out_of_tolerance", err.Error())
	case errors.Is(err, fragerr.ErrSchemaViolation):
		RespondError(w, http.StatusUnprocessableEntity, "schema_violation", err.Error())
	case errors.Is(err, fragerr.ErrUnknownTopic):
		RespondError(w, http.StatusNotFound, "unknown_topic", err.Error())
	case errors.Is(err, fragerr.ErrProofUnavailable):
		RespondError(w, http.StatusServiceUnavailable, "proof_unavailable", err.Error())
	case errors.Is(err, fragerr.ErrConsumerCursorConflict):
		RespondError(w, http.StatusConflict, "consumer_cursor_conflict", err.Error())
	case errors.Is(err, fragerr.ErrStorageUnavailable):
		RespondError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
	default:
		logger.Error("unhandled transport error", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
