package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowtree/internal/diagram"
	"github.com/rendis/flowtree/internal/runner"
	"github.com/rendis/flowtree/internal/store"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/tree"
	"github.com/rendis/flowtree/pkg/schema"
)

// handleValidate reports every error and warning of a document.
func (s *FlowtreeServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := objectArg(req, "document")
	if !ok {
		return mcp.NewToolResultError("document is required"), nil
	}
	_, result := s.validator.ValidateJSON(raw)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleRun runs a saved workflow or an inline document.
func (s *FlowtreeServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runner == nil {
		return mcp.NewToolResultError("runner is not configured"), nil
	}
	runReq := runner.Request{
		WorkflowID: req.GetString("workflow_id", ""),
		Filter:     req.GetString("filter", ""),
		Trigger:    store.TriggerAPI,
	}

	if raw, ok := objectArg(req, "document"); ok {
		t, errResult := s.inlineTree(raw)
		if errResult != nil {
			return errResult, nil
		}
		runReq.Tree = t
		runReq.WorkflowID = ""
	} else if runReq.WorkflowID == "" {
		return mcp.NewToolResultError("one of workflow_id or document is required"), nil
	}

	if v := mcp.ParseArgument(req, "context", nil); v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid context: %v", err)), nil
		}
		runReq.Context = raw
	}
	if raw, ok := objectArg(req, "context_schema"); ok {
		runReq.ContextSchema = raw
	}

	result, err := s.runner.Run(ctx, runReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	return marshalResult(result)
}

// handleSave validates and stores a document.
func (s *FlowtreeServer) handleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("store is not configured"), nil
	}
	name, err := req.RequireString("name")
	if err != nil || name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	raw, ok := objectArg(req, "document")
	if !ok {
		return mcp.NewToolResultError("document is required"), nil
	}

	doc, result := s.validator.ValidateJSON(raw)
	if !result.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid document: %v", result.ToError())), nil
	}

	wf := &store.Workflow{ID: req.GetString("id", ""), Name: name, Document: doc}
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save workflow: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"id":       wf.ID,
		"name":     wf.Name,
		"warnings": result.Warnings,
	})
}

// handleList lists workflows, runs, or schedules based on filters.
func (s *FlowtreeServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("store is not configured"), nil
	}
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.listWorkflows(ctx, filter)
	case "runs":
		return s.listRuns(ctx, filter)
	case "schedules":
		return s.listSchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- List helpers ---

func (s *FlowtreeServer) listWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if name, ok := filter["name"].(string); ok {
		wf.Name = name
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	// Documents can be large; list entries carry identity only.
	summaries := make([]map[string]any, 0, len(workflows))
	for _, w := range workflows {
		summaries = append(summaries, map[string]any{
			"id":         w.ID,
			"name":       w.Name,
			"updated_at": w.UpdatedAt,
		})
	}
	return marshalResult(map[string]any{"workflows": summaries})
}

func (s *FlowtreeServer) listRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = wfID
	}
	if outcome, ok := filter["outcome"].(string); ok {
		rf.Outcome = schema.Outcome(outcome)
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *FlowtreeServer) listSchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := store.ScheduleFilter{
		Limit: extractInt(filter, "limit", 0),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		sf.WorkflowID = wfID
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		sf.Enabled = &enabled
	}

	schedules, err := s.store.ListSchedules(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

// handleDiagram draws a saved or inline workflow in the requested format.
func (s *FlowtreeServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	switch format {
	case "ascii", "mermaid", "markdown", "image":
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, markdown, or image"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	runID := req.GetString("run_id", "")

	var (
		t    *tree.Tree
		path *traversal.Path
	)
	switch raw, ok := objectArg(req, "document"); {
	case workflowID != "":
		if s.store == nil {
			return mcp.NewToolResultError("store is not configured"), nil
		}
		wf, wfErr := s.store.GetWorkflow(ctx, workflowID)
		if wfErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %v", wfErr)), nil
		}
		if t, err = tree.FromDocument(wf.Document); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stored workflow is invalid: %v", err)), nil
		}
		if runID != "" {
			if path, err = s.runPath(ctx, workflowID, runID); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
		}
	case ok:
		var errResult *mcp.CallToolResult
		if t, errResult = s.inlineTree(raw); errResult != nil {
			return errResult, nil
		}
	default:
		return mcp.NewToolResultError("one of workflow_id or document is required"), nil
	}

	model, buildErr := diagram.Build(t, path)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCIIAuto(model, s.binDir)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "markdown":
		return mcp.NewToolResultText(diagram.RenderMarkdown(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// handleWatch subscribes the calling session to run completions of a saved
// workflow.
func (s *FlowtreeServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	clientID, err := req.RequireString("client_id")
	if err != nil {
		return mcp.NewToolResultError("client_id is required"), nil
	}
	if s.store != nil {
		if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %v", err)), nil
		}
	}

	s.captureSession(ctx, clientID)
	s.sessions.Watch(workflowID, clientID)
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"client_id":   clientID,
	})
}

// --- Internal helpers ---

// inlineTree validates an inline document and builds its tree. A non-nil
// result is the error to hand back to the client.
func (s *FlowtreeServer) inlineTree(raw []byte) (*tree.Tree, *mcp.CallToolResult) {
	doc, result := s.validator.ValidateJSON(raw)
	if !result.Valid() {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid document: %v", result.ToError()))
	}
	t, err := tree.FromDocument(doc)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid document: %v", err))
	}
	return t, nil
}

// runPath loads the recorded path of a run of workflowID.
func (s *FlowtreeServer) runPath(ctx context.Context, workflowID, runID string) (*traversal.Path, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run not found: %w", err)
	}
	if run.WorkflowID != workflowID {
		return nil, fmt.Errorf("run %s does not belong to workflow %s", runID, workflowID)
	}
	if len(run.Path) == 0 {
		return nil, fmt.Errorf("run %s has no recorded path", runID)
	}
	var path traversal.Path
	if err := json.Unmarshal(run.Path, &path); err != nil {
		return nil, fmt.Errorf("decode path of run %s: %w", runID, err)
	}
	return &path, nil
}

// objectArg re-encodes an object argument as JSON.
func objectArg(req mcp.CallToolRequest, key string) ([]byte, bool) {
	m := mcp.ParseStringMap(req, key, nil)
	if m == nil {
		return nil, false
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the client ID to its current MCP session for notifications.
func (s *FlowtreeServer) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
