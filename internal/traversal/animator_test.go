package traversal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowtree/internal/logging"
	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/pkg/schema"
)

func contextWithRunID(id string) context.Context {
	return logging.WithRunID(context.Background(), id)
}

type recordingHub struct {
	mu     sync.Mutex
	events []streaming.StreamEvent
}

func (h *recordingHub) Publish(_ context.Context, e streaming.StreamEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *recordingHub) Subscribe(context.Context, streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error) {
	return nil, func() {}, nil
}

func TestAnimator_PlaysExactPath(t *testing.T) {
	a := buildApproval(t)
	path, err := newTestEngine().Run(context.Background(), a.tree, map[string]any{"amount": 1500.0})
	require.NoError(t, err)

	hub := &recordingHub{}
	anim := NewAnimator(hub, 0, 0)
	var sleeps []time.Duration
	anim.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	require.NoError(t, anim.Play(context.Background(), "wf-1", path))

	require.Len(t, hub.events, len(path.Steps)+2)
	for i, id := range path.NodeIDs() {
		ev := hub.events[i]
		assert.Equal(t, schema.EventNodeActive, ev.EventType)
		assert.Equal(t, id, ev.NodeID)
		assert.Equal(t, "wf-1", ev.WorkflowID)
		assert.Equal(t, path.RunID, ev.RunID)
	}
	active := hub.events[len(path.Steps)]
	assert.Equal(t, schema.EventPathActive, active.EventType)
	assert.Equal(t, path.NodeIDs(), active.Payload.(map[string]any)["activeIds"])
	assert.Equal(t, schema.EventPathCleared, hub.events[len(hub.events)-1].EventType)

	assert.Equal(t, []time.Duration{DefaultStepDelay, DefaultStepDelay, DefaultStepDelay, DefaultHoldDelay}, sleeps)
}

func TestAnimator_StopsOnCancel(t *testing.T) {
	a := buildApproval(t)
	path, err := newTestEngine().Run(context.Background(), a.tree, map[string]any{})
	require.NoError(t, err)

	hub := streaming.NewMemoryHub()
	ch, cancelSub, err := hub.Subscribe(context.Background(), streaming.EventFilter{RunID: path.RunID})
	require.NoError(t, err)
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	anim := NewAnimator(hub, time.Hour, time.Hour)
	done := make(chan error, 1)
	go func() { done <- anim.Play(ctx, "", path) }()

	select {
	case ev := <-ch:
		assert.Equal(t, schema.EventNodeActive, ev.EventType)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Play did not return after cancel")
	}
}
