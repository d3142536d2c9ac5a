// Package api serves the flowtree HTTP API: the editor session, saved
// workflows, runs, schedules, diagrams, the event stream and metrics.
package api

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/flowtree/internal/editor"
	"github.com/rendis/flowtree/internal/metrics"
	"github.com/rendis/flowtree/internal/runner"
	"github.com/rendis/flowtree/internal/scheduler"
	"github.com/rendis/flowtree/internal/store"
	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/internal/validation"
)

// Deps holds the dependencies for the API server. Store, Scheduler,
// EventLog and Metrics are optional; the routes that need them answer 501
// when they are missing.
type Deps struct {
	Session   *editor.Session
	Runner    *runner.Runner
	Validator *validation.WorkflowValidator
	Hub       streaming.EventHub
	Store     store.Store
	Scheduler *scheduler.Scheduler
	EventLog  *store.EventLog
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// BinDir is searched for the optional mermaid-ascii renderer.
	BinDir string
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Hub == nil && deps.Session != nil {
		deps.Hub = deps.Session.Hub()
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	r.Get("/openapi.yaml", handleOpenAPIYAML)
	r.Get("/openapi.json", handleOpenAPIJSON)

	r.Route("/api", func(r chi.Router) {
		r.Post("/validate", s.handleValidate)
		r.Get("/events", s.handleSSE)

		r.Route("/editor", func(r chi.Router) {
			r.Get("/", s.handleEditorSnapshot)
			r.Delete("/", s.handleEditorDeleteAll)
			r.Post("/start", s.handleEditorStart)
			r.Post("/nodes/{id}/children", s.handleEditorAddChild)
			r.Patch("/nodes/{id}", s.handleEditorSetLabel)
			r.Put("/nodes/{id}/condition", s.handleEditorSetCondition)
			r.Delete("/nodes/{id}", s.handleEditorDelete)
			r.Put("/menu", s.handleEditorMenu)
			r.Post("/run", s.handleEditorRun)
			r.Post("/save", s.handleEditorSave)
			r.Post("/load/{id}", s.handleEditorLoad)
			r.Get("/diagram", s.handleEditorDiagram)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleSaveWorkflow)
			r.Get("/{id}", s.handleGetWorkflow)
			r.Delete("/{id}", s.handleDeleteWorkflow)
			r.Post("/{id}/runs", s.handleRunWorkflow)
			r.Get("/{id}/runs", s.handleListRuns)
			r.Get("/{id}/runs/{runID}/replay", s.handleReplayRun)
			r.Get("/{id}/diagram", s.handleWorkflowDiagram)
			r.Get("/{id}/events", s.handleWorkflowEvents)
		})

		r.Get("/runs/{id}", s.handleGetRun)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Patch("/{id}", s.handleUpdateSchedule)
			r.Delete("/{id}", s.handleDeleteSchedule)
		})
	})

	return r
}

// requestLogger logs one line per request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.deps.Logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
