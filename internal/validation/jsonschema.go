package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowtree/pkg/schema"
)

const documentSchemaURL = "https://flowtree.dev/schemas/workflow.json"

// documentSchemaJSON is the JSON Schema for a forward-edge workflow document.
// Embedded as a constant to avoid filesystem dependencies.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowtree.dev/schemas/workflow.json",
  "$ref": "#/$defs/node",
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["action", "branch", "terminal", "end"] },
        "label": { "type": "string" },
        "children": {
          "type": "array",
          "maxItems": 1,
          "items": { "$ref": "#/$defs/node" }
        },
        "branches": {
          "type": "object",
          "propertyNames": { "pattern": "^(true|false|case:.+)$" },
          "additionalProperties": {
            "anyOf": [{ "type": "null" }, { "$ref": "#/$defs/node" }]
          }
        },
        "condition": { "type": "string" },
        "conditionObj": { "$ref": "#/$defs/condition" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["comparison", "boolean", "string", "multi", "date", "range", "regex", "external", "switch"]
        },
        "left": { "type": "string" },
        "op": { "type": "string" },
        "right": {},
        "var": { "type": "string" },
        "value": {},
        "caseInsensitive": { "type": "boolean" },
        "conds": {
          "type": "array",
          "items": {
            "anyOf": [{ "type": "null" }, { "type": "string" }, { "$ref": "#/$defs/condition" }]
          }
        },
        "date": { "type": "string" },
        "min": {},
        "max": {},
        "pattern": { "type": "string" },
        "flags": { "type": "string", "pattern": "^[dgimsuy]*$" },
        "url": { "type": "string" },
        "map": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks documents against the workflow JSON Schema
// (Draft 2020-12) and run contexts against caller-supplied schemas.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	documentSchema *jsonschema.Schema

	// mu guards the cache of compiled context schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the document schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal document schema: %w", err)
	}
	if err := c.AddResource(documentSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add document schema resource: %w", err)
	}
	docSchema, err := c.Compile(documentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}

	return &JSONSchemaValidator{
		documentSchema: docSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateRaw validates raw document JSON against the document schema.
func (v *JSONSchemaValidator) ValidateRaw(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is not valid JSON").WithCause(err)
	}
	if err := v.documentSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateDocument validates a decoded document against the document schema.
func (v *JSONSchemaValidator) ValidateDocument(doc *schema.NodeDocument) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is empty")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow document").WithCause(err)
	}
	return v.ValidateRaw(raw)
}

// ValidateContextSchema validates run context data against a JSON Schema
// provided as raw bytes. The schema is compiled and cached for subsequent
// calls with the same schema.
func (v *JSONSchemaValidator) ValidateContextSchema(data any, contextSchema []byte) error {
	if len(contextSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(contextSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid context schema").WithCause(err)
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidContext, "failed to serialize context").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		fe := toFlowError(err)
		fe.Code = schema.ErrCodeInvalidContext
		return fe
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler and URL per schema avoids resource collisions.
	url := fmt.Sprintf("flowtree://context-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError whose
// details list one violation per failing leaf.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance locations. Leaves that carry no location of
// their own (propertyNames checks a key, not a value) report their parent's.
func collectViolations(verr *jsonschema.ValidationError) []string {
	return collectAt(verr, nil)
}

func collectAt(verr *jsonschema.ValidationError, parent []string) []string {
	at := verr.InstanceLocation
	if len(at) == 0 {
		at = parent
	}
	if len(verr.Causes) == 0 {
		return []string{fmt.Sprintf("/%s: %s", strings.Join(at, "/"), leafMessage(verr))}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectAt(cause, at)...)
	}
	return violations
}

// leafMessage drops the "at '<location>': " prefix the library puts on
// every leaf, since the caller prints the location itself.
func leafMessage(verr *jsonschema.ValidationError) string {
	msg := verr.Error()
	if strings.HasPrefix(msg, "at '") {
		if i := strings.Index(msg, "': "); i >= 0 {
			return msg[i+3:]
		}
	}
	return msg
}
