package expressions

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"

	"github.com/rendis/flowtree/pkg/schema"
)

// CELEngine implements the Engine interface using Google's Common Expression Language.
// It is the alternate dialect for free-text branch conditions. Every top-level
// field of the run context is a variable, so conditions read `amount > 1000`;
// the whole context is also bound as `context`.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment
// exposing:
//   - context: map(string, dyn), the caller-supplied run context
//   - one dyn variable per free identifier of each compiled expression
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable(celContextVar, cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return DialectCEL
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// with data's top-level keys bound as variables. A free identifier the context
// does not define is a runtime error.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	bound := data
	if bound == nil {
		bound = map[string]any{}
	}

	vars := make(map[string]any, len(bound)+1)
	for k, v := range bound {
		vars[k] = v
	}
	vars[celContextVar] = bound

	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// Compile checks that an expression parses and type-checks without
// evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	parsed, issues := e.env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, celCompileError(expression, issues.Err())
	}
	env, err := e.env.Extend(freeVariables(parsed)...)
	if err != nil {
		return nil, celCompileError(expression, err)
	}
	checked, issues := env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return nil, celCompileError(expression, issues.Err())
	}

	prg, err := env.Program(checked, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

const celContextVar = "context"

// freeVariables declares every identifier the expression reads as a dyn
// variable. Macro accumulators ("@result", "__result__") are internal to CEL.
func freeVariables(parsed *cel.Ast) []cel.EnvOption {
	seen := map[string]bool{celContextVar: true}
	var opts []cel.EnvOption
	celast.PreOrderVisit(parsed.NativeRep().Expr(), celast.NewExprVisitor(func(e celast.Expr) {
		if e.Kind() != celast.IdentKind {
			return
		}
		name := e.AsIdent()
		if seen[name] || strings.HasPrefix(name, "@") || strings.HasPrefix(name, "__") {
			return
		}
		seen[name] = true
		opts = append(opts, cel.Variable(name, cel.DynType))
	}))
	return opts
}

func celCompileError(expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"CEL compile error in %q: %s", expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func unknownDialect(name string) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"unknown expression dialect %q (want %q or %q)", name, DialectExpr, DialectCEL)
}

var _ Engine = (*CELEngine)(nil)
