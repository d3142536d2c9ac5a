package traversal

import (
	"context"
	"time"

	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/pkg/schema"
)

// Default animation pacing.
const (
	DefaultStepDelay = 600 * time.Millisecond
	DefaultHoldDelay = 800 * time.Millisecond
)

// Animator replays a path as "active node" events: one node.active event per
// step in traversal order, each followed by StepDelay, then a path.active
// event naming every node, then path.cleared after HoldDelay.
type Animator struct {
	hub       streaming.EventHub
	stepDelay time.Duration
	holdDelay time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewAnimator creates an animator publishing to hub. Non-positive delays use
// the defaults.
func NewAnimator(hub streaming.EventHub, stepDelay, holdDelay time.Duration) *Animator {
	if stepDelay <= 0 {
		stepDelay = DefaultStepDelay
	}
	if holdDelay <= 0 {
		holdDelay = DefaultHoldDelay
	}
	return &Animator{hub: hub, stepDelay: stepDelay, holdDelay: holdDelay, sleep: sleepCtx}
}

// Play publishes the animation for path and blocks until it has finished or
// ctx is done.
func (a *Animator) Play(ctx context.Context, workflowID string, path *Path) error {
	ids := path.NodeIDs()
	for i, id := range ids {
		if err := a.publish(ctx, workflowID, path.RunID, id, schema.EventNodeActive, map[string]any{
			"index":     i,
			"activeIds": []string{id},
		}); err != nil {
			return err
		}
		if err := a.sleep(ctx, a.stepDelay); err != nil {
			return err
		}
	}

	if err := a.publish(ctx, workflowID, path.RunID, "", schema.EventPathActive, map[string]any{
		"activeIds": ids,
		"outcome":   path.Outcome,
	}); err != nil {
		return err
	}
	if err := a.sleep(ctx, a.holdDelay); err != nil {
		return err
	}
	return a.publish(ctx, workflowID, path.RunID, "", schema.EventPathCleared, map[string]any{
		"activeIds": []string{},
	})
}

func (a *Animator) publish(ctx context.Context, workflowID, runID, nodeID, eventType string, payload map[string]any) error {
	return a.hub.Publish(ctx, streaming.StreamEvent{
		WorkflowID: workflowID,
		RunID:      runID,
		NodeID:     nodeID,
		EventType:  eventType,
		Payload:    payload,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
