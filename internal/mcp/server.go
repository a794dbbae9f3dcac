// Package mcp exposes the mutation gateway to the agentic loop over the
// Model Context Protocol. The loop receives the session id from the
// scheduler that opened the session and passes it on every call; there
// is no ambient current session.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/refinehq/refinery/internal/domain"
	"github.com/refinehq/refinery/internal/service"
	"go.uber.org/zap"
)

type Server struct {
	mcp     *server.MCPServer
	gateway *service.Gateway
	logger  *zap.Logger
}

func NewServer(gateway *service.Gateway, logger *zap.Logger) *Server {
	s := &Server{
		mcp:     server.NewMCPServer("refinery", "1.0.0"),
		gateway: gateway,
		logger:  logger,
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving the MCP protocol over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("memory_update",
		mcp.WithDescription("Rewrite the content of one memory record. The record keeps its original provenance timestamp. Counts against the session's mutation cap."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Refinement session id.")),
		mcp.WithString("record_id", mcp.Required(), mcp.Description("Record to rewrite.")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Replacement content.")),
	), s.handleUpdate)

	s.mcp.AddTool(mcp.NewTool("memory_delete",
		mcp.WithDescription("Soft-delete one memory record. Counts against the session's mutation cap. Reversible if the session rolls back."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Refinement session id.")),
		mcp.WithString("record_id", mcp.Required(), mcp.Description("Record to delete.")),
	), s.handleDelete)

	s.mcp.AddTool(mcp.NewTool("memory_consolidate",
		mcp.WithDescription("Replace several memory records with one merged record. The merged record keeps the earliest provenance timestamp of the set. Counts once against the mutation cap."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Refinement session id.")),
		mcp.WithArray("record_ids", mcp.Required(), mcp.Description("Records to merge."),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("content", mcp.Required(), mcp.Description("Content of the merged record.")),
	), s.handleConsolidate)

	s.mcp.AddTool(mcp.NewTool("memory_protect",
		mcp.WithDescription("Mark a record constitutional: immune to update, delete, and consolidate until unset out of band. Exempt from the mutation cap."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Refinement session id.")),
		mcp.WithString("record_id", mcp.Required(), mcp.Description("Record to protect.")),
	), s.handleProtect)

	s.mcp.AddTool(mcp.NewTool("session_complete",
		mcp.WithDescription("Finish the refinement session with a short summary of what was done. Always permitted while the session is active."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Refinement session id.")),
		mcp.WithString("summary", mcp.Description("Human-readable summary of the session.")),
	), s.handleComplete)

	s.mcp.AddTool(mcp.NewTool("memory_search",
		mcp.WithDescription("Keyword search over the agent's active memory records. Read-only; never counts against the cap."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Refinement session id.")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text.")),
		mcp.WithNumber("limit", mcp.Description("Maximum results, default 20.")),
	), s.handleSearch)

	s.mcp.AddTool(mcp.NewTool("memory_get",
		mcp.WithDescription("Fetch one memory record by id. Read-only; never counts against the cap."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Refinement session id.")),
		mcp.WithString("record_id", mcp.Required(), mcp.Description("Record to fetch.")),
	), s.handleGet)
}

func (s *Server) handleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	sessionID, recordID, err := sessionAndRecord(args)
	if err != nil {
		return refusal(err), nil
	}
	result, err := s.gateway.Update(ctx, sessionID, recordID, stringArg(args, "content"))
	if err != nil {
		return refusal(err), nil
	}
	return success(result)
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	sessionID, recordID, err := sessionAndRecord(args)
	if err != nil {
		return refusal(err), nil
	}
	result, err := s.gateway.Delete(ctx, sessionID, recordID)
	if err != nil {
		return refusal(err), nil
	}
	return success(result)
}

func (s *Server) handleConsolidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	sessionID := stringArg(args, "session_id")

	raw, _ := args["record_ids"].([]any)
	ids := make([]uuid.UUID, 0, len(raw))
	for _, v := range raw {
		str, _ := v.(string)
		id, err := uuid.Parse(str)
		if err != nil {
			return refusal(&domain.ValidationError{Reason: fmt.Sprintf("invalid record id %q", str)}), nil
		}
		ids = append(ids, id)
	}

	result, err := s.gateway.Consolidate(ctx, sessionID, ids, stringArg(args, "content"))
	if err != nil {
		return refusal(err), nil
	}
	return success(result)
}

func (s *Server) handleProtect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	sessionID, recordID, err := sessionAndRecord(args)
	if err != nil {
		return refusal(err), nil
	}
	rec, err := s.gateway.Protect(ctx, sessionID, recordID)
	if err != nil {
		return refusal(err), nil
	}
	return success(rec)
}

func (s *Server) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	result, err := s.gateway.Complete(ctx, stringArg(args, "session_id"), stringArg(args, "summary"))
	if err != nil {
		return refusal(err), nil
	}
	return success(result)
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	limit := 0
	if n, ok := args["limit"].(float64); ok {
		limit = int(n)
	}
	records, err := s.gateway.Search(ctx, stringArg(args, "session_id"), stringArg(args, "query"), limit)
	if err != nil {
		return refusal(err), nil
	}
	return success(map[string]any{"records": records})
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	sessionID, recordID, err := sessionAndRecord(args)
	if err != nil {
		return refusal(err), nil
	}
	rec, err := s.gateway.Get(ctx, sessionID, recordID)
	if err != nil {
		return refusal(err), nil
	}
	return success(rec)
}

func sessionAndRecord(args map[string]any) (string, uuid.UUID, error) {
	sessionID := stringArg(args, "session_id")
	raw := stringArg(args, "record_id")
	if raw == "" {
		return sessionID, uuid.Nil, &domain.ValidationError{Reason: "record_id is required"}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return sessionID, uuid.Nil, &domain.ValidationError{Reason: fmt.Sprintf("invalid record id %q", raw)}
	}
	return sessionID, id, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func success(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

// refusal turns a gateway refusal into a structured tool error the
// calling model can act on: the cap and spent count, the protected ids,
// or the fact that the session rolled back and why.
func refusal(err error) *mcp.CallToolResult {
	payload := map[string]any{"error": err.Error()}

	var (
		capErr  *domain.CapExceededError
		protErr *domain.ProtectedRecordError
		termErr *domain.SessionTerminatedError
		valErr  *domain.ValidationError
	)
	switch {
	case errors.As(err, &capErr):
		payload["code"] = "cap_exceeded"
		payload["cap"] = capErr.Cap
		payload["count"] = capErr.Count
	case errors.As(err, &protErr):
		ids := make([]string, len(protErr.IDs))
		for i, id := range protErr.IDs {
			ids[i] = id.String()
		}
		payload["code"] = "protected_record"
		payload["protected_ids"] = ids
	case errors.As(err, &termErr):
		payload["code"] = "session_terminated"
		payload["status"] = string(termErr.Status)
		payload["reason"] = termErr.Reason
	case errors.As(err, &valErr):
		payload["code"] = "validation"
	default:
		payload["code"] = "error"
	}

	b, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(b))
}
