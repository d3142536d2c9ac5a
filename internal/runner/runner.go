// Package runner runs saved or inline workflow trees outside the editor
// session and records each run in the store. The API, the MCP server, the
// scheduler and the CLI share it.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowtree/internal/expressions"
	"github.com/rendis/flowtree/internal/logging"
	"github.com/rendis/flowtree/internal/store"
	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/tree"
	"github.com/rendis/flowtree/pkg/schema"
)

// ContextSchemaValidator checks a run context against a caller-supplied JSON
// Schema. Satisfied by validation.WorkflowValidator.
type ContextSchemaValidator interface {
	ValidateContextSchema(data any, contextSchema []byte) error
}

// Request describes one run. Tree, when set, is run instead of loading
// WorkflowID from the store; WorkflowID is still used to attribute the run.
type Request struct {
	WorkflowID    string
	Tree          *tree.Tree
	Context       json.RawMessage
	Filter        string
	ContextSchema json.RawMessage
	Trigger       string
}

// Result is a finished run. Run is nil when no store is configured.
type Result struct {
	Run  *store.Run      `json:"run,omitempty"`
	Path *traversal.Path `json:"path"`
}

// Runner executes requests against a traversal engine.
type Runner struct {
	store     store.Store
	engine    *traversal.Engine
	hub       streaming.EventHub
	jq        *expressions.GoJQEngine
	validator ContextSchemaValidator
	logger    *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore records every run in s.
func WithStore(s store.Store) Option {
	return func(r *Runner) { r.store = s }
}

// WithHub publishes run.started and run.completed events.
func WithHub(hub streaming.EventHub) Option {
	return func(r *Runner) { r.hub = hub }
}

// WithContextValidator enables Request.ContextSchema.
func WithContextValidator(v ContextSchemaValidator) Option {
	return func(r *Runner) { r.validator = v }
}

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// New creates a Runner around engine.
func New(engine *traversal.Engine, opts ...Option) *Runner {
	r := &Runner{engine: engine, jq: expressions.NewGoJQEngine()}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return r
}

// Run resolves the tree, prepares the context, traverses and records the
// run. Context and tree errors are returned before anything is recorded; a
// traversal that fails after starting is recorded with its error.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	t, err := r.resolveTree(ctx, req)
	if err != nil {
		return nil, err
	}
	data, err := r.prepareContext(ctx, req)
	if err != nil {
		return nil, err
	}

	runID := logging.RunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithIDs(ctx, req.WorkflowID, "", runID)
	log := logging.LogWith(ctx, r.logger)

	r.publish(ctx, req.WorkflowID, runID, schema.EventRunStarted, t.RootID(), nil)
	path, runErr := r.engine.Run(ctx, t, data)
	if runErr == nil {
		r.publish(ctx, req.WorkflowID, runID, schema.EventRunCompleted, "", path)
	}

	// A cancelled run is still recorded.
	rec, recErr := r.Record(context.WithoutCancel(ctx), req.WorkflowID, req.Trigger, data, path, runErr)
	if recErr != nil {
		log.Error("failed to record run", slog.String("error", recErr.Error()))
		if runErr == nil {
			runErr = recErr
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	log.Info("run completed",
		slog.String("outcome", string(path.Outcome)),
		slog.Int("steps", len(path.Steps)),
		slog.String("trigger", req.Trigger),
	)
	return &Result{Run: rec, Path: path}, nil
}

func (r *Runner) resolveTree(ctx context.Context, req Request) (*tree.Tree, error) {
	if req.Tree != nil {
		return req.Tree, nil
	}
	if req.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "a workflow id or an inline tree is required")
	}
	if r.store == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidOperation, "no store configured; saved workflows are unavailable")
	}
	wf, err := r.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	return tree.FromDocument(wf.Document)
}

func (r *Runner) prepareContext(ctx context.Context, req Request) (any, error) {
	data, err := traversal.ParseContext(req.Context)
	if err != nil {
		return nil, err
	}
	if filter := strings.TrimSpace(req.Filter); filter != "" {
		if data, err = r.jq.Filter(ctx, filter, data); err != nil {
			return nil, err
		}
	}
	if len(req.ContextSchema) > 0 {
		if r.validator == nil {
			return nil, schema.NewError(schema.ErrCodeInvalidOperation, "context schema validation is not configured")
		}
		if err := r.validator.ValidateContextSchema(data, req.ContextSchema); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Record stores a finished run. runID comes from path or, for a run that
// failed before producing one, from the context's correlation ID. Without a
// store it is a no-op.
func (r *Runner) Record(ctx context.Context, workflowID, trigger string, data any, path *traversal.Path, runErr error) (*store.Run, error) {
	if r.store == nil {
		return nil, nil
	}
	if trigger == "" {
		trigger = store.TriggerManual
	}
	completedAt := time.Now().UTC()
	run := &store.Run{
		ID:          logging.RunID(ctx),
		WorkflowID:  workflowID,
		Trigger:     trigger,
		StartedAt:   completedAt,
		CompletedAt: &completedAt,
	}
	if raw, err := json.Marshal(data); err == nil {
		run.Context = raw
	}
	if path != nil {
		raw, err := json.Marshal(path)
		if err != nil {
			return nil, err
		}
		run.ID = path.RunID
		run.Path = raw
		run.Outcome = path.Outcome
		run.StartedAt = path.StartedAt
	}
	if runErr != nil {
		run.Error = errorJSON(runErr)
	}
	if err := r.store.RecordRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *Runner) publish(ctx context.Context, workflowID, runID, eventType, nodeID string, payload any) {
	if r.hub == nil {
		return
	}
	err := r.hub.Publish(ctx, streaming.StreamEvent{
		WorkflowID: workflowID,
		RunID:      runID,
		NodeID:     nodeID,
		EventType:  eventType,
		Payload:    payload,
	})
	if err != nil {
		logging.LogWith(ctx, r.logger).Warn("failed to publish run event",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}

// errorJSON encodes err for the run record, keeping FlowError codes.
func errorJSON(err error) json.RawMessage {
	var body any = map[string]string{"message": err.Error()}
	if fe, ok := schema.AsFlowError(err); ok {
		body = fe
	}
	raw, mErr := json.Marshal(body)
	if mErr != nil {
		return nil
	}
	return raw
}
