package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowtree/internal/store"
	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/tree"
	"github.com/rendis/flowtree/internal/validation"
	"github.com/rendis/flowtree/pkg/schema"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func approvalDoc() *schema.NodeDocument {
	return &schema.NodeDocument{ID: "start", Kind: schema.KindAction, Children: []*schema.NodeDocument{
		{ID: "check", Kind: schema.KindBranch, Condition: "amount > 1000", Branches: map[string]*schema.NodeDocument{
			"true":  {ID: "approve", Kind: schema.KindTerminal, Label: "Approve"},
			"false": nil,
		}},
	}}
}

func newTestRunner(t *testing.T, opts ...Option) (*Runner, *store.LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	engine := traversal.NewEngine(nil, traversal.WithLogger(discard()))
	opts = append([]Option{WithStore(s), WithLogger(discard())}, opts...)
	return New(engine, opts...), s
}

func saveApproval(t *testing.T, s store.Store) string {
	t.Helper()
	wf := &store.Workflow{Name: "Approval", Document: approvalDoc()}
	require.NoError(t, s.SaveWorkflow(context.Background(), wf))
	return wf.ID
}

func TestRunSavedWorkflowRecordsRun(t *testing.T) {
	r, s := newTestRunner(t)
	ctx := context.Background()
	id := saveApproval(t, s)

	res, err := r.Run(ctx, Request{WorkflowID: id, Context: json.RawMessage(`{"amount": 1500}`), Trigger: store.TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeTerminal, res.Path.Outcome)
	assert.Equal(t, []string{"start", "check", "approve"}, res.Path.NodeIDs())

	require.NotNil(t, res.Run)
	assert.Equal(t, res.Path.RunID, res.Run.ID)

	got, err := s.GetRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, id, got.WorkflowID)
	assert.Equal(t, store.TriggerAPI, got.Trigger)
	assert.Equal(t, schema.OutcomeTerminal, got.Outcome)
	assert.JSONEq(t, `{"amount": 1500}`, string(got.Context))
	assert.NotNil(t, got.CompletedAt)
}

func TestRunInlineTreeDefaultsToManualTrigger(t *testing.T) {
	r, s := newTestRunner(t)
	ctx := context.Background()
	tr, err := tree.FromDocument(approvalDoc())
	require.NoError(t, err)

	res, err := r.Run(ctx, Request{Tree: tr})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeDeadEnd, res.Path.Outcome, "empty context means amount is undefined")

	got, err := s.GetRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WorkflowID)
	assert.Equal(t, store.TriggerManual, got.Trigger)
	assert.JSONEq(t, `{}`, string(got.Context))
}

func TestRunAppliesJQFilter(t *testing.T) {
	r, s := newTestRunner(t)
	id := saveApproval(t, s)

	res, err := r.Run(context.Background(), Request{
		WorkflowID: id,
		Context:    json.RawMessage(`{"order": {"total": 5000}}`),
		Filter:     "{amount: .order.total}",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeTerminal, res.Path.Outcome)
}

func TestRunContextSchema(t *testing.T) {
	wv, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)
	r, s := newTestRunner(t, WithContextValidator(wv))
	id := saveApproval(t, s)
	contextSchema := json.RawMessage(`{"type":"object","required":["amount"],"properties":{"amount":{"type":"number"}}}`)

	_, err = r.Run(context.Background(), Request{WorkflowID: id, Context: json.RawMessage(`{"amount":"lots"}`), ContextSchema: contextSchema})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidContext))

	runs, err := s.ListRuns(context.Background(), store.RunFilter{WorkflowID: id})
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected contexts are not recorded")

	res, err := r.Run(context.Background(), Request{WorkflowID: id, Context: json.RawMessage(`{"amount":2000}`), ContextSchema: contextSchema})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeTerminal, res.Path.Outcome)
}

func TestRunContextSchemaWithoutValidator(t *testing.T) {
	r, s := newTestRunner(t)
	id := saveApproval(t, s)
	_, err := r.Run(context.Background(), Request{WorkflowID: id, ContextSchema: json.RawMessage(`{"type":"object"}`)})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidOperation))
}

func TestRunErrors(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	_, err := r.Run(ctx, Request{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = r.Run(ctx, Request{WorkflowID: "ghost"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	tr, err := tree.FromDocument(approvalDoc())
	require.NoError(t, err)
	_, err = r.Run(ctx, Request{Tree: tr, Context: json.RawMessage(`{oops`)})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidContext))
}

func TestRunFailureIsRecorded(t *testing.T) {
	r, s := newTestRunner(t)
	id := saveApproval(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr, err := tree.FromDocument(approvalDoc())
	require.NoError(t, err)

	_, err = r.Run(ctx, Request{WorkflowID: id, Tree: tr})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))

	runs, err := s.ListRuns(context.Background(), store.RunFilter{WorkflowID: id})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Empty(t, runs[0].Outcome)
	assert.Contains(t, string(runs[0].Error), schema.ErrCodeCancelled)
}

func TestRunWithoutStore(t *testing.T) {
	engine := traversal.NewEngine(nil, traversal.WithLogger(discard()))
	r := New(engine, WithLogger(discard()))
	tr, err := tree.FromDocument(approvalDoc())
	require.NoError(t, err)

	res, err := r.Run(context.Background(), Request{Tree: tr, Context: json.RawMessage(`{"amount":2000}`)})
	require.NoError(t, err)
	assert.Nil(t, res.Run)
	assert.Equal(t, schema.OutcomeTerminal, res.Path.Outcome)

	_, err = r.Run(context.Background(), Request{WorkflowID: "wf-1"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidOperation))
}

func TestRunPublishesEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	r, s := newTestRunner(t, WithHub(hub))
	id := saveApproval(t, s)

	ch, unsubscribe, err := hub.Subscribe(context.Background(), streaming.EventFilter{WorkflowID: id})
	require.NoError(t, err)
	defer unsubscribe()

	res, err := r.Run(context.Background(), Request{WorkflowID: id, Context: json.RawMessage(`{"amount":1}`)})
	require.NoError(t, err)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			assert.Equal(t, res.Path.RunID, ev.RunID)
			types = append(types, ev.EventType)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for run events")
		}
	}
	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunCompleted}, types)
}
