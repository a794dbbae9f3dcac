package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/refinehq/refinery/internal/domain"
	"github.com/refinehq/refinery/internal/store"
)

// RecordHandler is the admin/inspection surface over an agent's
// records. It never mutates; all mutation goes through the gateway.
type RecordHandler struct {
	stores domain.Stores
}

func NewRecordHandler(stores domain.Stores) *RecordHandler {
	return &RecordHandler{stores: stores}
}

func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	records, err := h.stores.Records().ListActive(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}

	rec, err := h.stores.Records().GetByID(r.Context(), recordID, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Mass reports the agent's current total mass, the quantity the
// circuit breaker compares against the pre-session snapshot.
func (h *RecordHandler) Mass(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	mass, err := h.stores.Records().TotalMass(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute mass")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "mass": mass})
}
