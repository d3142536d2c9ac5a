package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/pkg/schema"
)

// RecordedEventTypes are the stream events EventLog.Record persists.
var RecordedEventTypes = []string{
	schema.EventRunStarted,
	schema.EventRunCompleted,
	schema.EventNodeActive,
	schema.EventPathActive,
	schema.EventPathCleared,
}

// EventLog persists stream events of saved workflows and replays runs from
// them.
type EventLog struct {
	store  Store
	logger *slog.Logger
}

// NewEventLog wraps a Store to provide event-log operations.
func NewEventLog(s Store, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: s, logger: logger}
}

// Append persists ev. Events that belong to no saved workflow are skipped.
func (el *EventLog) Append(ctx context.Context, ev streaming.StreamEvent) (*Event, error) {
	if ev.WorkflowID == "" {
		return nil, nil
	}
	var payload json.RawMessage
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", ev.EventType, err)
		}
		payload = b
	}
	e := &Event{
		WorkflowID: ev.WorkflowID,
		RunID:      ev.RunID,
		NodeID:     ev.NodeID,
		Type:       ev.EventType,
		Payload:    payload,
		Timestamp:  ev.Timestamp,
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Record subscribes to hub and persists run events until ctx is done.
func (el *EventLog) Record(ctx context.Context, hub streaming.EventHub) error {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: RecordedEventTypes})
	if err != nil {
		return fmt.Errorf("subscribe to run events: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := el.Append(ctx, ev); err != nil {
				el.logger.WarnContext(ctx, "event log append failed",
					slog.String("workflow_id", ev.WorkflowID),
					slog.String("event_type", ev.EventType),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Events returns the events of workflowID with sequence > since.
func (el *EventLog) Events(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, workflowID, since)
}

// RunReplay is a run reconstructed from the event log.
type RunReplay struct {
	RunID       string         `json:"run_id"`
	WorkflowID  string         `json:"workflow_id"`
	NodeIDs     []string       `json:"node_ids"`
	Outcome     schema.Outcome `json:"outcome,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Completed reports whether the run.completed event was seen.
func (r *RunReplay) Completed() bool { return r.CompletedAt != nil }

// ReplayRun rebuilds a run from the workflow's event log. The completed path
// wins over node.active events; an unfinished run falls back to the nodes
// animated so far. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayRun(ctx context.Context, workflowID, runID string) (*RunReplay, error) {
	events, err := el.store.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, e.Sequence)
		}
	}

	replay := &RunReplay{RunID: runID, WorkflowID: workflowID}
	var animated []string
	found := false
	for _, e := range events {
		if e.RunID != runID {
			continue
		}
		found = true
		switch e.Type {
		case schema.EventRunStarted:
			ts := e.Timestamp
			replay.StartedAt = &ts

		case schema.EventNodeActive:
			animated = append(animated, e.NodeID)

		case schema.EventRunCompleted:
			ts := e.Timestamp
			replay.CompletedAt = &ts
			var completed completedPayload
			if err := json.Unmarshal(e.Payload, &completed); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore, "run %s: bad completion payload", runID).WithCause(err)
			}
			replay.Outcome = completed.Outcome
			replay.NodeIDs = make([]string, len(completed.Steps))
			for i, s := range completed.Steps {
				replay.NodeIDs[i] = s.NodeID
			}
		}
	}
	if !found {
		return nil, storeNotFound("run", runID)
	}
	if replay.NodeIDs == nil {
		replay.NodeIDs = animated
	}
	return replay, nil
}

type completedPayload struct {
	Outcome schema.Outcome `json:"outcome"`
	Steps   []struct {
		NodeID string `json:"nodeId"`
	} `json:"steps"`
}
