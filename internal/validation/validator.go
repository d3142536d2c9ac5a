package validation

import "github.com/rendis/flowtree/pkg/schema"

// Validator checks workflow documents and run contexts before they are
// loaded or run. Uses JSON Schema Draft 2020-12 for the document shape.
type Validator interface {
	ValidateDocument(doc *schema.NodeDocument) error
	ValidateContext(raw []byte) (map[string]any, error)
}

// ExpressionCompiler checks that a free-text condition parses.
type ExpressionCompiler interface {
	Compile(expression string) error
}
