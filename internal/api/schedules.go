package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/flowtree/internal/store"
	"github.com/rendis/flowtree/pkg/schema"
)

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "store")
		return
	}
	filter := store.ScheduleFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      queryInt(r, "limit", 0),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}
	scheds, err := s.deps.Store.ListSchedules(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if scheds == nil {
		scheds = []*store.Schedule{}
	}
	writeJSON(w, http.StatusOK, scheds)
}

// handleCreateSchedule creates a schedule from
// {"workflowId", "cron", "context", "enabled"}. Enabled defaults to true.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		notConfigured(w, "scheduler")
		return
	}
	var body struct {
		WorkflowID string          `json:"workflowId"`
		Cron       string          `json:"cron"`
		Context    json.RawMessage `json:"context"`
		Enabled    *bool           `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.WorkflowID == "" || body.Cron == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "workflowId and cron are required"))
		return
	}
	sched := &store.Schedule{
		WorkflowID:     body.WorkflowID,
		CronExpression: body.Cron,
		Context:        body.Context,
		Enabled:        body.Enabled == nil || *body.Enabled,
	}
	if err := s.deps.Scheduler.Create(r.Context(), sched); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		notConfigured(w, "scheduler")
		return
	}
	var body struct {
		Cron    *string         `json:"cron"`
		Context json.RawMessage `json:"context"`
		Enabled *bool           `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.deps.Scheduler.Update(r.Context(), chi.URLParam(r, "id"), store.ScheduleUpdate{
		CronExpression: body.Cron,
		Context:        body.Context,
		Enabled:        body.Enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "store")
		return
	}
	if err := s.deps.Store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
