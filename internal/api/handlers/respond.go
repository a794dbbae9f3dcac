package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/refinehq/refinery/internal/domain"
	"github.com/refinehq/refinery/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorPayload is a tool-call refusal with enough structure for the
// calling model to self-correct.
type errorPayload struct {
	Error        string   `json:"error"`
	Code         string   `json:"code"`
	Cap          int      `json:"cap,omitempty"`
	Count        int      `json:"count,omitempty"`
	ProtectedIDs []string `json:"protected_ids,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	Status       string   `json:"status,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// writeServiceError maps gateway and lifecycle errors onto structured
// refusals. Refused calls changed no state.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		capErr        *domain.CapExceededError
		protErr       *domain.ProtectedRecordError
		termErr       *domain.SessionTerminatedError
		activeErr     *domain.SessionAlreadyActiveError
		validationErr *domain.ValidationError
	)

	switch {
	case errors.As(err, &capErr):
		writeJSON(w, http.StatusConflict, errorPayload{
			Error: capErr.Error(),
			Code:  "cap_exceeded",
			Cap:   capErr.Cap,
			Count: capErr.Count,
		})
	case errors.As(err, &protErr):
		ids := make([]string, len(protErr.IDs))
		for i, id := range protErr.IDs {
			ids[i] = id.String()
		}
		writeJSON(w, http.StatusForbidden, errorPayload{
			Error:        protErr.Error(),
			Code:         "protected_record",
			ProtectedIDs: ids,
		})
	case errors.As(err, &termErr):
		writeJSON(w, http.StatusConflict, errorPayload{
			Error:     termErr.Error(),
			Code:      "session_terminated",
			SessionID: termErr.SessionID,
			Status:    string(termErr.Status),
			Reason:    termErr.Reason,
		})
	case errors.As(err, &activeErr):
		writeJSON(w, http.StatusConflict, errorPayload{
			Error:     activeErr.Error(),
			Code:      "session_already_active",
			SessionID: activeErr.SessionID,
		})
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorPayload{
			Error: validationErr.Error(),
			Code:  "validation",
		})
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
