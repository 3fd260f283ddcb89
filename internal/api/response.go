package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/corpusd/corpusd/internal/blob"
	"github.com/corpusd/corpusd/internal/files"
	"github.com/corpusd/corpusd/internal/session"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Status is already on the wire, nothing to do but log.
		slog.Error("encoding json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, files.ErrKeyNotAuthorized):
		writeError(w, http.StatusForbidden, "not_authorized", err.Error())
	case errors.Is(err, files.ErrNotFound),
		errors.Is(err, blob.ErrNotFound),
		errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, blob.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "invalid_key", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
