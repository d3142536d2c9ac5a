package store

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func runEvents(workflowID, runID string) []streaming.StreamEvent {
	return []streaming.StreamEvent{
		{WorkflowID: workflowID, RunID: runID, NodeID: "start", EventType: schema.EventRunStarted},
		{WorkflowID: workflowID, RunID: runID, EventType: schema.EventRunCompleted, Payload: map[string]any{
			"runId":   runID,
			"outcome": "dead_end",
			"steps":   []map[string]any{{"nodeId": "start"}, {"nodeId": "check", "selected": "false"}},
		}},
		{WorkflowID: workflowID, RunID: runID, NodeID: "start", EventType: schema.EventNodeActive},
		{WorkflowID: workflowID, RunID: runID, NodeID: "check", EventType: schema.EventNodeActive},
	}
}

func TestEventLog_AppendMonotonicSequence(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e, err := el.Append(ctx, streaming.StreamEvent{WorkflowID: "wf-1", EventType: schema.EventNodeActive, NodeID: "n"})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestEventLog_AppendSkipsUnsavedTrees(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	e, err := el.Append(ctx, streaming.StreamEvent{EventType: schema.EventRunStarted})
	require.NoError(t, err)
	assert.Nil(t, e)

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n))
	assert.Zero(t, n)
}

func TestEventLog_PayloadIsJSON(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	_, err := el.Append(ctx, streaming.StreamEvent{
		WorkflowID: "wf-1", EventType: schema.EventPathActive,
		Payload: map[string]any{"activeIds": []string{"a", "b"}},
	})
	require.NoError(t, err)

	events, err := el.Events(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"activeIds":["a","b"]}`, string(events[0].Payload))
}

func TestEventLog_ReplayRun(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	for _, ev := range runEvents("wf-1", "run-1") {
		_, err := el.Append(ctx, ev)
		require.NoError(t, err)
	}

	replay, err := el.ReplayRun(ctx, "wf-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "check"}, replay.NodeIDs)
	assert.Equal(t, schema.OutcomeDeadEnd, replay.Outcome)
	assert.True(t, replay.Completed())
	assert.NotNil(t, replay.StartedAt)
}

func TestEventLog_ReplayUnfinishedRun(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	events := runEvents("wf-1", "run-1")
	for _, ev := range []streaming.StreamEvent{events[0], events[2]} {
		_, err := el.Append(ctx, ev)
		require.NoError(t, err)
	}

	replay, err := el.ReplayRun(ctx, "wf-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"start"}, replay.NodeIDs)
	assert.False(t, replay.Completed())
	assert.Empty(t, replay.Outcome)
}

func TestEventLog_ReplayUnknownRun(t *testing.T) {
	el, _ := newTestEventLog(t)
	_, err := el.ReplayRun(context.Background(), "wf-1", "ghost")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestEventLog_ReplaySequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	db := s.DB()
	_, err := db.ExecContext(ctx,
		`INSERT INTO events (workflow_id, run_id, event_type, timestamp, sequence) VALUES ('wf-1', 'run-1', 'run.started', CURRENT_TIMESTAMP, 1)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO events (workflow_id, run_id, event_type, timestamp, sequence) VALUES ('wf-1', 'run-1', 'node.active', CURRENT_TIMESTAMP, 3)`)
	require.NoError(t, err)

	_, err = el.ReplayRun(ctx, "wf-1", "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestEventLog_ConcurrentAppendDifferentWorkflows(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	workflows := []string{"wf-a", "wf-b", "wf-c", "wf-d"}
	var wg sync.WaitGroup
	errCh := make(chan error, 40)
	for _, wf := range workflows {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := el.Append(ctx, streaming.StreamEvent{WorkflowID: wf, EventType: schema.EventNodeActive}); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent append error: %v", err)
	}

	for _, wf := range workflows {
		events, err := el.Events(ctx, wf, 0)
		require.NoError(t, err)
		assert.Len(t, events, 10)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	}
}

func TestEventLog_RecordFromHub(t *testing.T) {
	el, _ := newTestEventLog(t)
	hub := streaming.NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- el.Record(ctx, hub) }()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	for _, ev := range runEvents("wf-1", "run-1") {
		require.NoError(t, hub.Publish(ctx, ev))
	}
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{WorkflowID: "wf-1", EventType: schema.EventTreeUpdated}))

	require.Eventually(t, func() bool {
		events, err := el.Events(context.Background(), "wf-1", 0)
		return err == nil && len(events) == 4
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Record did not stop after cancel")
	}

	events, err := el.Events(context.Background(), "wf-1", 0)
	require.NoError(t, err)
	for _, e := range events {
		assert.NotEqual(t, schema.EventTreeUpdated, e.Type)
	}
}
