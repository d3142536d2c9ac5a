package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/flowtree/internal/diagram"
	"github.com/rendis/flowtree/internal/runner"
	"github.com/rendis/flowtree/internal/store"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/tree"
	"github.com/rendis/flowtree/pkg/schema"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "store")
		return
	}
	filter := store.WorkflowFilter{
		Name:   r.URL.Query().Get("name"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	wfs, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if wfs == nil {
		wfs = []*store.Workflow{}
	}
	writeJSON(w, http.StatusOK, wfs)
}

// handleSaveWorkflow validates and saves {"id"?, "name", "document"}. A body
// without an ID creates a new workflow.
func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "store")
		return
	}
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Document json.RawMessage `json:"document"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON body: %s", err.Error()))
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "name is required"))
		return
	}
	if len(body.Document) == 0 {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "document is required"))
		return
	}

	doc, result := s.deps.Validator.ValidateJSON(body.Document)
	if !result.Valid() {
		writeError(w, result.ToError())
		return
	}

	wf := &store.Workflow{ID: body.ID, Name: strings.TrimSpace(body.Name), Document: doc}
	if err := s.deps.Store.SaveWorkflow(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"workflow": wf, "warnings": result.Warnings})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "store")
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "store")
		return
	}
	if err := s.deps.Store.DeleteWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunWorkflow runs a saved workflow. The body is
// {"context", "filter", "contextSchema"}, all optional.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		notConfigured(w, "runner")
		return
	}
	var body struct {
		Context       json.RawMessage `json:"context"`
		Filter        string          `json:"filter"`
		ContextSchema json.RawMessage `json:"contextSchema"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.deps.Runner.Run(r.Context(), runner.Request{
		WorkflowID:    chi.URLParam(r, "id"),
		Context:       body.Context,
		Filter:        body.Filter,
		ContextSchema: body.ContextSchema,
		Trigger:       store.TriggerAPI,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "store")
		return
	}
	filter := store.RunFilter{
		WorkflowID: chi.URLParam(r, "id"),
		Outcome:    schema.Outcome(r.URL.Query().Get("outcome")),
		Limit:      queryInt(r, "limit", 50),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "since must be RFC3339: %s", since))
			return
		}
		filter.Since = &t
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "store")
		return
	}
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventLog == nil {
		notConfigured(w, "event log")
		return
	}
	replay, err := s.deps.EventLog.ReplayRun(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replay)
}

func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventLog == nil {
		notConfigured(w, "event log")
		return
	}
	since := int64(queryInt(r, "since", 0))
	events, err := s.deps.EventLog.Events(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleWorkflowDiagram draws a saved workflow. ?run=<id> overlays the path
// of a recorded run.
func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "store")
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := tree.FromDocument(wf.Document)
	if err != nil {
		writeError(w, err)
		return
	}

	var path *traversal.Path
	if runID := r.URL.Query().Get("run"); runID != "" {
		run, err := s.deps.Store.GetRun(r.Context(), runID)
		if err != nil {
			writeError(w, err)
			return
		}
		if run.WorkflowID != wf.ID {
			writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "run %s does not belong to workflow %s", runID, wf.ID))
			return
		}
		if len(run.Path) == 0 {
			writeError(w, schema.NewErrorf(schema.ErrCodeInvalidOperation, "run %s has no recorded path", runID))
			return
		}
		path = &traversal.Path{}
		if err := json.Unmarshal(run.Path, path); err != nil {
			writeError(w, schema.NewErrorf(schema.ErrCodeStore, "decode path of run %s", runID).WithCause(err))
			return
		}
	}

	model, err := diagram.Build(t, path)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeDiagram(w, r, model)
}

// writeDiagram renders model in the ?format= requested: mermaid (default),
// ascii, markdown or image.
func (s *Server) writeDiagram(w http.ResponseWriter, r *http.Request, model *diagram.DiagramModel) {
	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderASCIIAuto(model, s.deps.BinDir)))
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMarkdown(model)))
	case "image", "png":
		png, err := diagram.RenderImage(r.Context(), model)
		if err != nil {
			writeError(w, schema.NewError(schema.ErrCodeExecution, "render image").WithCause(err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	default:
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q (want mermaid, ascii, markdown or image)", format))
	}
}
