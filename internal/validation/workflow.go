package validation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rendis/flowtree/internal/expressions"
	"github.com/rendis/flowtree/pkg/schema"
)

// MaxDepth is the deepest tree accepted before a warning is raised.
const MaxDepth = 64

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Shape (tree, not graph; unique IDs)
// 2. Structural (JSON Schema)
// 3. Semantic (edges per kind, condition fields, expressions)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	compiler   ExpressionCompiler
}

// NewWorkflowValidator creates a WorkflowValidator. compiler may be nil to
// use the default expression dialect.
func NewWorkflowValidator(compiler ExpressionCompiler) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if compiler == nil {
		compiler = expressions.NewExprEngine()
	}
	return &WorkflowValidator{jsonSchema: jsv, compiler: compiler}, nil
}

// Validate runs the full pipeline and returns an aggregated result. Shape and
// structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(doc *schema.NodeDocument) *schema.ValidationResult {
	if doc == nil {
		r := &schema.ValidationResult{}
		r.AddError("root", schema.ErrCodeValidation, "workflow document is empty")
		return r
	}

	// Stage 1: Shape. Must precede serialization, which cannot handle cycles.
	result, depth := validateShape(doc)
	if !result.Valid() {
		return result
	}
	if depth > MaxDepth {
		result.AddWarning("root", schema.ErrCodeValidation,
			fmt.Sprintf("tree is %d levels deep (more than %d)", depth, MaxDepth))
	}

	// Stage 2: Structural (JSON Schema).
	result.Merge(validateStructural(wv.jsonSchema, doc))
	if !result.Valid() {
		return result
	}

	// Stage 3: Semantic.
	result.Merge(validateSemantic(doc, wv.compiler))
	return result
}

// ValidateJSON checks raw document JSON against the schema before decoding it,
// so unknown fields and bad kinds are reported as schema violations.
func (wv *WorkflowValidator) ValidateJSON(raw []byte) (*schema.NodeDocument, *schema.ValidationResult) {
	result := &schema.ValidationResult{}
	if err := wv.jsonSchema.ValidateRaw(raw); err != nil {
		addFlowError(result, err)
		return nil, result
	}
	doc, err := schema.ParseDocument(raw)
	if err != nil {
		addFlowError(result, err)
		return nil, result
	}
	return doc, wv.Validate(doc)
}

// ValidateDocument satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDocument(doc *schema.NodeDocument) error {
	return wv.Validate(doc).ToError()
}

// ValidateContext decodes a run context. Empty input is the empty object;
// anything other than a JSON object is rejected with INVALID_CONTEXT.
func (wv *WorkflowValidator) ValidateContext(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidContext, "context is not valid JSON: %s", err.Error()).WithCause(err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidContext, "context must be a JSON object, got %s", jsonKind(v))
	}
	return obj, nil
}

// ValidateContextSchema delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateContextSchema(data any, contextSchema []byte) error {
	return wv.jsonSchema.ValidateContextSchema(data, contextSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDocument, converting
// its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, doc *schema.NodeDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err := v.ValidateDocument(doc); err != nil {
		addFlowError(result, err)
	}
	return result
}

func addFlowError(result *schema.ValidationResult, err error) {
	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", fe.Code, v)
		}
		return
	}
	result.AddError("/", fe.Code, fe.Message)
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "an array"
	case string:
		return "a string"
	case float64:
		return "a number"
	case bool:
		return "a boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
