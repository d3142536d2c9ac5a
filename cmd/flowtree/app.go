package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/flowtree/internal/expressions"
	"github.com/rendis/flowtree/internal/metrics"
	"github.com/rendis/flowtree/internal/runner"
	"github.com/rendis/flowtree/internal/store"
	"github.com/rendis/flowtree/internal/streaming"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/tree"
	"github.com/rendis/flowtree/internal/validation"
)

// app is the wired object graph shared by the commands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	hub       streaming.EventHub
	engine    *traversal.Engine
	animator  *traversal.Animator
	validator *validation.WorkflowValidator
	store     *store.LibSQLStore
	runner    *runner.Runner

	closers []func() error
}

// newApp wires the evaluator, engine, validator, hub and runner. The store is
// opened and migrated only when withStore is set.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger, withStore bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	dialect, err := expressions.NewEngine(cfg.ExpressionDialect)
	if err != nil {
		return nil, err
	}
	evaluator := expressions.NewConditionEvaluator(
		expressions.WithEngine(dialect),
		expressions.WithFetcher(expressions.NewExternalFetcher(expressions.ExternalConfig{Timeout: cfg.ExternalTimeout})),
		expressions.WithLogger(logger),
		expressions.WithObserver(a.metrics),
	)
	a.engine = traversal.NewEngine(evaluator,
		traversal.WithLogger(logger),
		traversal.WithObserver(a.metrics),
	)

	compiler, _ := dialect.(validation.ExpressionCompiler)
	if a.validator, err = validation.NewWorkflowValidator(compiler); err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}

	if err := a.openHub(ctx); err != nil {
		return nil, err
	}
	a.animator = traversal.NewAnimator(a.hub, cfg.StepDelay, cfg.HoldDelay)

	runnerOpts := []runner.Option{
		runner.WithHub(a.hub),
		runner.WithContextValidator(a.validator),
		runner.WithLogger(logger),
	}
	if withStore {
		if err := a.openStore(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
		runnerOpts = append(runnerOpts, runner.WithStore(a.store))
	}
	a.runner = runner.New(a.engine, runnerOpts...)
	return a, nil
}

// openHub connects to Redis when configured, otherwise uses an in-process hub.
func (a *app) openHub(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		a.hub = streaming.NewMemoryHub()
		return nil
	}
	hub, err := streaming.NewRedisHub(a.cfg.RedisURL, streaming.WithRedisLogger(a.logger))
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if err := hub.Ping(ctx); err != nil {
		_ = hub.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	a.hub = hub
	a.closers = append(a.closers, hub.Close)
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("migrate store: %w", err)
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return nil
}

// loadTree reads, validates and builds the workflow in path. Warnings are
// logged.
func (a *app) loadTree(path string) (*tree.Tree, error) {
	raw, err := readDocumentJSON(path)
	if err != nil {
		return nil, err
	}
	doc, result := a.validator.ValidateJSON(raw)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		a.logger.Warn("workflow warning", slog.String("path", w.Path), slog.String("message", w.Message))
	}
	return tree.FromDocument(doc)
}

// savedTree builds the tree of a saved workflow.
func (a *app) savedTree(ctx context.Context, id string) (*tree.Tree, error) {
	wf, err := a.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return tree.FromDocument(wf.Document)
}

// Close releases the store and hub in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
