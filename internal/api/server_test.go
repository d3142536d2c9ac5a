package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowtree/internal/editor"
	"github.com/rendis/flowtree/internal/metrics"
	"github.com/rendis/flowtree/internal/runner"
	"github.com/rendis/flowtree/internal/scheduler"
	"github.com/rendis/flowtree/internal/store"
	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/validation"
	"github.com/rendis/flowtree/pkg/schema"
)

const approvalJSON = `{
	"id": "start", "type": "action", "label": "Receive order",
	"children": [{
		"id": "check", "type": "branch", "label": "Big order?", "condition": "amount > 1000",
		"branches": {"true": {"id": "approve", "type": "terminal", "label": "Approve"}}
	}]
}`

type testEnv struct {
	srv     *httptest.Server
	store   *store.LibSQLStore
	session *editor.Session
	hub     *streaming.MemoryHub
	deps    Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	m := metrics.New()
	hub := streaming.NewMemoryHub()
	engine := traversal.NewEngine(nil, traversal.WithLogger(logger), traversal.WithObserver(m))
	wv, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)

	session := editor.NewSession(engine, editor.WithHub(hub), editor.WithLogger(logger))
	r := runner.New(engine,
		runner.WithStore(s), runner.WithHub(hub),
		runner.WithContextValidator(wv), runner.WithLogger(logger))

	deps := Deps{
		Session:   session,
		Runner:    r,
		Validator: wv,
		Store:     s,
		Scheduler: scheduler.NewScheduler(s, r, logger),
		EventLog:  store.NewEventLog(s, logger),
		Metrics:   m,
		Logger:    logger,
	}
	ts := httptest.NewServer(NewServer(deps).Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, store: s, session: session, hub: hub, deps: deps}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *testEnv) saveApproval(t *testing.T) string {
	t.Helper()
	resp, raw := e.do(t, http.MethodPost, "/api/workflows", `{"name": "Approval", "document": `+approvalJSON+`}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	out := decode[struct {
		Workflow store.Workflow `json:"workflow"`
	}](t, raw)
	require.NotEmpty(t, out.Workflow.ID)
	return out.Workflow.ID
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))

	resp, raw = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestValidateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodPost, "/api/validate", approvalJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ok := decode[map[string]any](t, raw)
	assert.Equal(t, true, ok["valid"])

	resp, raw = env.do(t, http.MethodPost, "/api/validate", `{"id": "t", "type": "terminal", "label": "Done"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bad := decode[map[string]any](t, raw)
	assert.Equal(t, false, bad["valid"])
	assert.NotEmpty(t, bad["errors"])
}

func TestEditorBuildAndRun(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodPost, "/api/editor/start", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	snap := decode[editor.Snapshot](t, raw)
	require.NotNil(t, snap.Document)
	rootID := snap.Document.ID
	assert.False(t, snap.Runnable)

	resp, raw = env.do(t, http.MethodPost, "/api/editor/nodes/"+rootID+"/children", `{"type": "branch"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	added := decode[struct {
		NodeID   string          `json:"nodeId"`
		Snapshot editor.Snapshot `json:"snapshot"`
	}](t, raw)
	require.NotEmpty(t, added.NodeID)
	assert.True(t, added.Snapshot.Runnable)
	branchID := added.NodeID

	resp, raw = env.do(t, http.MethodPut, "/api/editor/nodes/"+branchID+"/condition",
		`{"conditionObj": {"type": "comparison", "left": "amount", "op": ">", "right": 100}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = env.do(t, http.MethodPost, "/api/editor/nodes/"+branchID+"/children", `{"type": "terminal", "slot": "true"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	resp, raw = env.do(t, http.MethodPatch, "/api/editor/nodes/"+rootID, `{"label": "Receive order"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	snap = decode[editor.Snapshot](t, raw)
	assert.Equal(t, "Receive order", snap.Document.Label)

	resp, raw = env.do(t, http.MethodPost, "/api/editor/run", `{"amount": 50}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	path := decode[traversal.Path](t, raw)
	assert.Equal(t, schema.OutcomeDeadEnd, path.Outcome)
	assert.Equal(t, []string{rootID, branchID}, path.NodeIDs())

	resp, raw = env.do(t, http.MethodPost, "/api/editor/run", `{"amount": 500`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeInvalidContext, decode[errorBody](t, raw).Error.Code)

	resp, raw = env.do(t, http.MethodGet, "/api/editor/diagram", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(raw), "graph TD"))
}

func TestEditorErrorsMapToStatus(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodPatch, "/api/editor/nodes/ghost", `{"label": "x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, decode[errorBody](t, raw).Error.Code)

	resp, _ = env.do(t, http.MethodPatch, "/api/editor/nodes/ghost", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = env.do(t, http.MethodDelete, "/api/editor", "")
	assert.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeConfirmationRequired, decode[errorBody](t, raw).Error.Code)

	resp, _ = env.do(t, http.MethodDelete, "/api/editor?confirm=true", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/editor/diagram?format=svg", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEditorMenu(t *testing.T) {
	env := newTestEnv(t)
	_, raw := env.do(t, http.MethodPost, "/api/editor/start", "")
	rootID := decode[editor.Snapshot](t, raw).Document.ID

	resp, raw := env.do(t, http.MethodPut, "/api/editor/menu", `{"nodeId": "`+rootID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.JSONEq(t, `{"openMenu": "`+rootID+`"}`, string(raw))

	resp, raw = env.do(t, http.MethodPut, "/api/editor/menu", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"openMenu": ""}`, string(raw))
	assert.Empty(t, env.session.OpenMenuID())
}

func TestEditorSaveAndLoad(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/editor/save", `{"name": "Empty"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	id := env.saveApproval(t)
	resp, raw := env.do(t, http.MethodPost, "/api/editor/load/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	snap := decode[editor.Snapshot](t, raw)
	assert.Equal(t, id, snap.WorkflowID)
	assert.Equal(t, "Approval", snap.Name)

	resp, raw = env.do(t, http.MethodPost, "/api/editor/save", `{"name": "Approval v2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	wf, err := env.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Approval v2", wf.Name)

	resp, _ = env.do(t, http.MethodPost, "/api/editor/load/ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkflowLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.saveApproval(t)

	resp, raw := env.do(t, http.MethodGet, "/api/workflows", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]store.Workflow](t, raw), 1)

	resp, raw = env.do(t, http.MethodGet, "/api/workflows/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "start", decode[store.Workflow](t, raw).Document.ID)

	resp, raw = env.do(t, http.MethodPost, "/api/workflows", `{"name": "Broken", "document": {"id": "t", "type": "terminal"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, decode[errorBody](t, raw).Error.Code)

	resp, _ = env.do(t, http.MethodPost, "/api/workflows", `{"document": `+approvalJSON+`}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/workflows/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/workflows/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunWorkflowAndDiagramOverlay(t *testing.T) {
	env := newTestEnv(t)
	id := env.saveApproval(t)

	resp, raw := env.do(t, http.MethodPost, "/api/workflows/"+id+"/runs",
		`{"context": {"order": {"total": 2500}}, "filter": "{amount: .order.total}"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	res := decode[runner.Result](t, raw)
	require.NotNil(t, res.Run)
	assert.Equal(t, schema.OutcomeTerminal, res.Path.Outcome)

	resp, raw = env.do(t, http.MethodGet, "/api/workflows/"+id+"/runs?outcome=terminal", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decode[[]store.Run](t, raw)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TriggerAPI, runs[0].Trigger)

	resp, raw = env.do(t, http.MethodGet, "/api/runs/"+res.Run.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, decode[store.Run](t, raw).WorkflowID)

	resp, raw = env.do(t, http.MethodGet, "/api/workflows/"+id+"/diagram?format=ascii&run="+res.Run.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Contains(t, string(raw), "[OK] #3")

	resp, raw = env.do(t, http.MethodGet, "/api/workflows/"+id+"/diagram?format=markdown", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, "text/markdown; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(raw), "`true` **Approve** _terminal_")

	resp, _ = env.do(t, http.MethodGet, "/api/workflows/"+id+"/diagram?run=ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = env.do(t, http.MethodPost, "/api/workflows/"+id+"/runs",
		`{"context": {"amount": "lots"}, "contextSchema": {"type": "object", "properties": {"amount": {"type": "number"}}}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeInvalidContext, decode[errorBody](t, raw).Error.Code)

	resp, _ = env.do(t, http.MethodPost, "/api/workflows/ghost/runs", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventLogEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.saveApproval(t)
	ctx := context.Background()

	el := store.NewEventLog(env.store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, ev := range []streaming.StreamEvent{
		{WorkflowID: id, RunID: "r-1", EventType: schema.EventRunStarted, Timestamp: time.Now()},
		{WorkflowID: id, RunID: "r-1", NodeID: "start", EventType: schema.EventNodeActive, Timestamp: time.Now()},
	} {
		_, err := el.Append(ctx, ev)
		require.NoError(t, err)
	}

	resp, raw := env.do(t, http.MethodGet, "/api/workflows/"+id+"/events?since=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[[]store.Event](t, raw)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventNodeActive, events[0].Type)

	resp, raw = env.do(t, http.MethodGet, "/api/workflows/"+id+"/runs/r-1/replay", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	replay := decode[store.RunReplay](t, raw)
	assert.Equal(t, []string{"start"}, replay.NodeIDs)
	assert.False(t, replay.Completed())
}

func TestScheduleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.saveApproval(t)

	resp, raw := env.do(t, http.MethodPost, "/api/schedules", `{"workflowId": "`+id+`", "cron": "*/5 * * * *", "context": {"amount": 10}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	sched := decode[store.Schedule](t, raw)
	assert.True(t, sched.Enabled)
	require.NotNil(t, sched.NextRunAt)

	resp, _ = env.do(t, http.MethodPost, "/api/schedules", `{"workflowId": "`+id+`", "cron": "whenever"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/schedules", `{"workflowId": "ghost", "cron": "* * * * *"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = env.do(t, http.MethodPatch, "/api/schedules/"+sched.ID, `{"enabled": false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.False(t, decode[store.Schedule](t, raw).Enabled)

	resp, raw = env.do(t, http.MethodGet, "/api/schedules?workflow_id="+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]store.Schedule](t, raw), 1)

	resp, _ = env.do(t, http.MethodDelete, "/api/schedules/"+sched.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/api/schedules/"+sched.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMissingDependenciesAnswer501(t *testing.T) {
	engine := traversal.NewEngine(nil)
	wv, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)
	srv := NewServer(Deps{
		Session:   editor.NewSession(engine),
		Validator: wv,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/api/workflows", "/api/schedules", "/api/workflows/x/events"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotImplemented, resp.StatusCode, path)
	}
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEStreamsEditorEvents(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/events?types="+schema.EventTreeUpdated, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	_, err = env.session.Start(context.Background())
	require.NoError(t, err)

	var frame bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" && frame.Len() > 0 {
			break
		}
		if line != "\n" {
			frame.WriteString(line)
		}
	}
	assert.Contains(t, frame.String(), "event: "+schema.EventTreeUpdated+"\n")
	assert.Contains(t, frame.String(), `"event_type":"`+schema.EventTreeUpdated+`"`)
}

func TestStatusForCodes(t *testing.T) {
	cases := map[string]int{
		schema.ErrCodeValidation:           http.StatusBadRequest,
		schema.ErrCodeInvalidContext:       http.StatusBadRequest,
		schema.ErrCodeNotFound:             http.StatusNotFound,
		schema.ErrCodeInvalidOperation:     http.StatusConflict,
		schema.ErrCodeConfirmationRequired: http.StatusPreconditionRequired,
		schema.ErrCodeCancelled:            http.StatusServiceUnavailable,
		schema.ErrCodeExecution:            http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), code)
	}
}
