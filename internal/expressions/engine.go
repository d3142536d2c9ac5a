package expressions

import "context"

// Engine evaluates free-text expressions against a run context.
// Implementations: Expr (default condition dialect), CEL (alternate dialect),
// GoJQ (context filters).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Dialect names accepted by NewEngine.
const (
	DialectExpr = "expr"
	DialectCEL  = "cel"
)

// NewEngine returns the free-text condition engine for the named dialect.
// An empty dialect selects Expr.
func NewEngine(dialect string) (Engine, error) {
	switch dialect {
	case "", DialectExpr:
		return NewExprEngine(), nil
	case DialectCEL:
		e, err := NewCELEngine()
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, unknownDialect(dialect)
	}
}
