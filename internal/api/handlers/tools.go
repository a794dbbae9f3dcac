package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/refinehq/refinery/internal/domain"
	"github.com/refinehq/refinery/internal/service"
)

// ToolHandler is the HTTP face of the mutation gateway for agentic
// drivers that speak plain JSON instead of MCP.
type ToolHandler struct {
	gateway *service.Gateway
}

func NewToolHandler(gateway *service.Gateway) *ToolHandler {
	return &ToolHandler{gateway: gateway}
}

type toolCallRequest struct {
	RecordID  string   `json:"record_id,omitempty"`
	RecordIDs []string `json:"record_ids,omitempty"`
	Content   string   `json:"content,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Query     string   `json:"query,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

// Call dispatches one named tool call against a session.
func (h *ToolHandler) Call(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	tool := chi.URLParam(r, "tool")

	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.dispatch(r, sessionID, tool, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *ToolHandler) dispatch(r *http.Request, sessionID, tool string, req *toolCallRequest) (any, error) {
	ctx := r.Context()

	switch tool {
	case "update":
		id, err := parseRecordID(req.RecordID)
		if err != nil {
			return nil, err
		}
		return h.gateway.Update(ctx, sessionID, id, req.Content)

	case "delete":
		id, err := parseRecordID(req.RecordID)
		if err != nil {
			return nil, err
		}
		return h.gateway.Delete(ctx, sessionID, id)

	case "consolidate":
		ids := make([]uuid.UUID, len(req.RecordIDs))
		for i, raw := range req.RecordIDs {
			id, err := parseRecordID(raw)
			if err != nil {
				return nil, err
			}
			ids[i] = id
		}
		return h.gateway.Consolidate(ctx, sessionID, ids, req.Content)

	case "protect":
		id, err := parseRecordID(req.RecordID)
		if err != nil {
			return nil, err
		}
		return h.gateway.Protect(ctx, sessionID, id)

	case "complete":
		return h.gateway.Complete(ctx, sessionID, req.Summary)

	case "get":
		id, err := parseRecordID(req.RecordID)
		if err != nil {
			return nil, err
		}
		return h.gateway.Get(ctx, sessionID, id)

	case "search":
		records, err := h.gateway.Search(ctx, sessionID, req.Query, req.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"records": records}, nil
	}

	return nil, &domain.ValidationError{Reason: fmt.Sprintf("unknown tool %q", tool)}
}

func parseRecordID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, &domain.ValidationError{Reason: "record_id is required"}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &domain.ValidationError{Reason: fmt.Sprintf("invalid record id %q", raw)}
	}
	return id, nil
}
