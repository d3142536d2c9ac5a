// Package traversal walks a workflow tree from its root to a terminal node or
// a dead end, deciding each branch against a run context.
package traversal

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowtree/internal/expressions"
	"github.com/rendis/flowtree/internal/logging"
	"github.com/rendis/flowtree/internal/tree"
	"github.com/rendis/flowtree/pkg/schema"
)

// Step is one visited node. Selected is the branch slot taken out of a branch
// node ("" for action and terminal nodes, and for a switch with no mapping).
// Result is the boolean decision for non-switch branches.
type Step struct {
	NodeID   string          `json:"nodeId"`
	Kind     schema.NodeKind `json:"type"`
	Label    string          `json:"label"`
	Selected string          `json:"selected,omitempty"`
	Result   *bool           `json:"result,omitempty"`
}

// Path is the ordered result of a run.
type Path struct {
	RunID     string         `json:"runId"`
	Steps     []Step         `json:"steps"`
	Outcome   schema.Outcome `json:"outcome"`
	StartedAt time.Time      `json:"startedAt"`
	Duration  time.Duration  `json:"duration"`
}

// NodeIDs returns the visited node IDs in traversal order.
func (p *Path) NodeIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.NodeID
	}
	return ids
}

// Last returns the final step of the path.
func (p *Path) Last() (Step, bool) {
	if len(p.Steps) == 0 {
		return Step{}, false
	}
	return p.Steps[len(p.Steps)-1], true
}

// Observer is notified when a run completes. Metrics implement it.
type Observer interface {
	ObserveRun(outcome schema.Outcome, steps int, d time.Duration)
}

// Engine runs traversals. It holds no per-run state, so one Engine serves
// concurrent runs.
type Engine struct {
	evaluator *expressions.ConditionEvaluator
	logger    *slog.Logger
	observer  Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithObserver registers a run observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine creates an engine that decides branches with evaluator. A nil
// evaluator gets the default Expr-dialect evaluator.
func NewEngine(evaluator *expressions.ConditionEvaluator, opts ...Option) *Engine {
	e := &Engine{evaluator: evaluator}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if e.evaluator == nil {
		e.evaluator = expressions.NewConditionEvaluator(expressions.WithLogger(e.logger))
	}
	return e
}

// RunJSON parses raw as the run context and runs t. Empty input is treated as
// an empty object; anything else must be valid JSON.
func (e *Engine) RunJSON(ctx context.Context, t *tree.Tree, raw []byte) (*Path, error) {
	data, err := ParseContext(raw)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, t, data)
}

// ParseContext decodes a run context document.
func ParseContext(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	var data any
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidContext, "context is not valid JSON: %s", err.Error()).WithCause(err)
	}
	return data, nil
}

// Run walks t from the root against data and returns the visited path. The
// tree is immutable, so edits made while the run is in flight do not affect
// it. Each branch is evaluated at most once. Reaching an empty slot ends the
// run with OutcomeDeadEnd, which is not an error.
func (e *Engine) Run(ctx context.Context, t *tree.Tree, data any) (*Path, error) {
	if t == nil || t.IsEmpty() {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is empty; start it before running")
	}

	path := &Path{RunID: logging.RunID(ctx), StartedAt: time.Now().UTC()}
	if path.RunID == "" {
		path.RunID = uuid.NewString()
		ctx = logging.WithRunID(ctx, path.RunID)
	}
	log := e.logger

	visited := make(map[string]bool, t.Len())
	current := t.RootID()
	for {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}
		node, ok := t.Node(current)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s is referenced but missing", current).WithNode(current)
		}
		if visited[current] {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s visited twice", current).WithNode(current)
		}
		visited[current] = true

		step := Step{NodeID: node.ID, Kind: node.Kind, Label: node.Label}
		next := ""
		switch node.Kind {
		case schema.KindTerminal:
			path.Steps = append(path.Steps, step)
			return e.finish(ctx, path, schema.OutcomeTerminal), nil
		case schema.KindAction:
			next = node.Child
		case schema.KindBranch:
			nodeCtx := logging.WithNodeID(ctx, node.ID)
			step.Selected, step.Result = e.decide(nodeCtx, node, data)
			if step.Selected != "" {
				next = node.Slots[step.Selected]
			}
			log.DebugContext(nodeCtx, "branch decided", slog.String("selected", step.Selected))
		}
		path.Steps = append(path.Steps, step)

		if next == "" {
			return e.finish(ctx, path, schema.OutcomeDeadEnd), nil
		}
		current = next
	}
}

// decide picks the slot to leave a branch node through.
func (e *Engine) decide(ctx context.Context, node tree.Node, data any) (string, *bool) {
	if node.ConditionObj != nil && node.ConditionObj.Kind == schema.ConditionSwitch {
		return switchSlot(node, data), nil
	}

	expr := schema.Text(node.Condition)
	if node.ConditionObj != nil {
		expr = schema.Structured(node.ConditionObj)
	}
	result := e.evaluator.Evaluate(ctx, expr, data)
	if result {
		return schema.KeyTrue, &result
	}
	return schema.KeyFalse, &result
}

// switchSlot maps the switch variable through the condition's map. Mapped
// true/"true" and false/"false" select the canonical slots; any other mapped
// value names a case slot, given either with or without the "case:" prefix.
// An unmapped value, or a case slot the node does not have, returns "".
func switchSlot(node tree.Node, data any) string {
	mapped, ok := expressions.SwitchLookup(node.ConditionObj, data)
	if !ok {
		return ""
	}
	switch v := mapped.(type) {
	case bool:
		if v {
			return schema.KeyTrue
		}
		return schema.KeyFalse
	case string:
		if schema.IsCanonicalKey(v) {
			return v
		}
	}

	key := expressions.ToString(mapped)
	for _, candidate := range []string{key, schema.CaseKeyPrefix + key} {
		if schema.IsCaseKey(candidate) && node.Slots[candidate] != "" {
			return candidate
		}
	}
	return ""
}

func (e *Engine) finish(ctx context.Context, path *Path, outcome schema.Outcome) *Path {
	path.Outcome = outcome
	path.Duration = time.Since(path.StartedAt)
	if e.observer != nil {
		e.observer.ObserveRun(outcome, len(path.Steps), path.Duration)
	}
	e.logger.InfoContext(ctx, "run completed",
		slog.String("outcome", string(outcome)),
		slog.Int("steps", len(path.Steps)))
	return path
}
