package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/flowtree/internal/diagram"
	"github.com/rendis/flowtree/internal/editor"
	"github.com/rendis/flowtree/internal/store"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/pkg/schema"
)

func (s *Server) handleEditorSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Session.Snapshot())
}

func (s *Server) handleEditorStart(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Session.Start(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleEditorAddChild(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind schema.NodeKind `json:"type"`
		Slot string          `json:"slot"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	snap, childID, err := s.deps.Session.AddChild(r.Context(), chi.URLParam(r, "id"), body.Kind, body.Slot)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"nodeId": childID, "snapshot": snap})
}

func (s *Server) handleEditorSetLabel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label *string `json:"label"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Label == nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "label is required"))
		return
	}
	snap, err := s.deps.Session.SetLabel(r.Context(), chi.URLParam(r, "id"), *body.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEditorSetCondition accepts either {"condition": "<free text>"} or
// {"conditionObj": {...}}.
func (s *Server) handleEditorSetCondition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Condition    *string           `json:"condition"`
		ConditionObj *schema.Condition `json:"conditionObj"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")

	var (
		snap editor.Snapshot
		err  error
	)
	switch {
	case body.ConditionObj != nil:
		snap, err = s.deps.Session.SetCondition(r.Context(), id, body.ConditionObj)
	case body.Condition != nil:
		snap, err = s.deps.Session.SetExpression(r.Context(), id, *body.Condition)
	default:
		err = schema.NewError(schema.ErrCodeValidation, "condition or conditionObj is required")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEditorDelete(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Session.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEditorDeleteAll(w http.ResponseWriter, r *http.Request) {
	confirmed := r.URL.Query().Get("confirm") == "true"
	snap, err := s.deps.Session.DeleteAll(r.Context(), confirmed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEditorMenu opens the menu of {"nodeId": ...}; an empty ID closes it.
func (s *Server) handleEditorMenu(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID string `json:"nodeId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.NodeID == "" {
		s.deps.Session.CloseMenu(r.Context())
	} else if err := s.deps.Session.OpenMenu(r.Context(), body.NodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"openMenu": s.deps.Session.OpenMenuID()})
}

// handleEditorRun runs the current tree against the request body as context.
// ?animate=true replays the path as active-node events.
func (s *Server) handleEditorRun(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := traversal.ParseContext(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	animate := r.URL.Query().Get("animate") == "true"

	path, err := s.deps.Session.Run(r.Context(), data, animate)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Runner != nil {
		workflowID := s.deps.Session.Snapshot().WorkflowID
		if _, err := s.deps.Runner.Record(r.Context(), workflowID, store.TriggerAPI, data, path, nil); err != nil {
			s.deps.Logger.Warn("failed to record editor run", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, path)
}

// handleEditorSave validates and saves the current tree. The first save
// assigns the workflow ID; later saves overwrite it.
func (s *Server) handleEditorSave(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "store")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	snap := s.deps.Session.Snapshot()
	if snap.Document == nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "workflow is empty; start it before saving"))
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		name = snap.Name
	}

	result := s.deps.Validator.Validate(snap.Document)
	if !result.Valid() {
		writeError(w, result.ToError())
		return
	}

	wf := &store.Workflow{ID: snap.WorkflowID, Name: name, Document: snap.Document}
	if err := s.deps.Store.SaveWorkflow(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Session.SetIdentity(wf.ID, wf.Name)
	writeJSON(w, http.StatusOK, map[string]any{"workflow": wf, "warnings": result.Warnings})
}

func (s *Server) handleEditorLoad(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "store")
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.deps.Session.Load(r.Context(), wf.ID, wf.Name, wf.Document)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEditorDiagram(w http.ResponseWriter, r *http.Request) {
	model, err := diagram.Build(s.deps.Session.Tree(), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeDiagram(w, r, model)
}
