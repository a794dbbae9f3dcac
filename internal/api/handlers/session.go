package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/refinehq/refinery/internal/service"
)

type SessionHandler struct {
	svc *service.SessionService
}

func NewSessionHandler(svc *service.SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

type openSessionRequest struct {
	OwnerID string `json:"owner_id"`
}

// Open starts a refinement session for an agent. This is the
// scheduler-facing entrypoint.
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner_id")
		return
	}

	sess, err := h.svc.Open(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Ledger returns the session's audit trail, oldest first.
func (h *SessionHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Ledger(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type rollbackRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Rollback is the admin override: reverse a session by hand. Idempotent
// on already rolled-back sessions.
func (h *SessionHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "manual rollback requested by operator"
	}

	outcome, err := h.svc.Rollback(r.Context(), chi.URLParam(r, "sessionID"), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type reapRequest struct {
	IdleFor string `json:"idle_for,omitempty"`
}

// Reap releases leases of sessions idle past the given duration
// (default 1h), applying the normal close path to each.
func (h *SessionHandler) Reap(w http.ResponseWriter, r *http.Request) {
	var req reapRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	idleFor := time.Hour
	if req.IdleFor != "" {
		d, err := time.ParseDuration(req.IdleFor)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid idle_for duration")
			return
		}
		idleFor = d
	}

	released, err := h.svc.ReleaseStale(r.Context(), idleFor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"released": released})
}
