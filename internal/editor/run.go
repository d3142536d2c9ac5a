package editor

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/flowtree/internal/logging"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/pkg/schema"
)

// Run traverses the tree as it is at invocation time. Edits made while the
// run is in flight do not affect it. With animate set and an animator
// configured, the path is replayed as active-node events in the background.
func (s *Session) Run(ctx context.Context, data any, animate bool) (*traversal.Path, error) {
	s.mu.Lock()
	snapshot := s.tree
	workflowID := s.workflowID
	s.mu.Unlock()

	if snapshot.IsEmpty() {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is empty; start it before running")
	}

	runID := logging.RunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithIDs(ctx, workflowID, "", runID)
	s.publishRun(ctx, workflowID, runID, schema.EventRunStarted, snapshot.RootID(), nil)

	path, err := s.engine.Run(ctx, snapshot, data)
	if err != nil {
		return nil, err
	}
	s.publishRun(ctx, workflowID, runID, schema.EventRunCompleted, "", path)

	if animate && s.animator != nil {
		s.animations.Add(1)
		go func() {
			defer s.animations.Done()
			bg := context.WithoutCancel(ctx)
			if err := s.animator.Play(bg, workflowID, path); err != nil {
				s.logger.WarnContext(bg, "animation stopped", slog.String("error", err.Error()))
			}
		}()
	}
	return path, nil
}

// RunJSON is Run with a raw JSON context.
func (s *Session) RunJSON(ctx context.Context, raw []byte, animate bool) (*traversal.Path, error) {
	data, err := traversal.ParseContext(raw)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, data, animate)
}

// Wait blocks until background animations have finished.
func (s *Session) Wait() {
	s.animations.Wait()
}
