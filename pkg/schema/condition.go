package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ConditionKind selects how a structured condition is evaluated.
type ConditionKind string

const (
	ConditionComparison ConditionKind = "comparison"
	ConditionBoolean    ConditionKind = "boolean"
	ConditionString     ConditionKind = "string"
	ConditionMulti      ConditionKind = "multi"
	ConditionDate       ConditionKind = "date"
	ConditionRange      ConditionKind = "range"
	ConditionRegex      ConditionKind = "regex"
	ConditionExternal   ConditionKind = "external"
	ConditionSwitch     ConditionKind = "switch"
)

// ConditionKinds lists every supported kind in display order.
var ConditionKinds = []ConditionKind{
	ConditionComparison, ConditionBoolean, ConditionString, ConditionMulti, ConditionDate,
	ConditionRange, ConditionRegex, ConditionExternal, ConditionSwitch,
}

// Known reports whether k is a supported condition kind.
func (k ConditionKind) Known() bool {
	for _, c := range ConditionKinds {
		if c == k {
			return true
		}
	}
	return false
}

// Condition is a structured, machine-evaluable branch test. Which fields are
// meaningful depends on Kind:
//
//	comparison: Left, Op (> < >= <= == !=), Right
//	boolean:    Var, Value (bool)
//	string:     Left, Op (contains not_contains starts_with ends_with equals), Value, CaseInsensitive
//	multi:      Op (AND OR), Conds
//	date:       Left, Op (before after), Date
//	range:      Left, Min, Max
//	regex:      Left, Pattern, Flags
//	external:   URL
//	switch:     Var, Map (value -> branch key)
type Condition struct {
	Kind            ConditionKind  `json:"type"`
	Left            string         `json:"left,omitempty"`
	Op              string         `json:"op,omitempty"`
	Right           any            `json:"right,omitempty"`
	Var             string         `json:"var,omitempty"`
	Value           any            `json:"value,omitempty"`
	CaseInsensitive bool           `json:"caseInsensitive,omitempty"`
	Conds           []Expression   `json:"conds,omitempty"`
	Date            string         `json:"date,omitempty"`
	Min             any            `json:"min,omitempty"`
	Max             any            `json:"max,omitempty"`
	Pattern         string         `json:"pattern,omitempty"`
	Flags           string         `json:"flags,omitempty"`
	URL             string         `json:"url,omitempty"`
	Map             map[string]any `json:"map,omitempty"`
}

// Clone returns a deep copy of the condition.
func (c *Condition) Clone() *Condition {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Right = cloneValue(c.Right)
	cp.Value = cloneValue(c.Value)
	cp.Min = cloneValue(c.Min)
	cp.Max = cloneValue(c.Max)
	if c.Conds != nil {
		cp.Conds = make([]Expression, len(c.Conds))
		for i, e := range c.Conds {
			cp.Conds[i] = e.Clone()
		}
	}
	if c.Map != nil {
		cp.Map = make(map[string]any, len(c.Map))
		for k, v := range c.Map {
			cp.Map[k] = cloneValue(v)
		}
	}
	return &cp
}

// Expression is either a free-text expression or a structured condition.
// On the wire a free-text expression is a JSON string and a structured one is an object.
type Expression struct {
	Text string
	Cond *Condition
}

// Text wraps a free-text expression.
func Text(s string) Expression { return Expression{Text: s} }

// Structured wraps a structured condition.
func Structured(c *Condition) Expression { return Expression{Cond: c} }

// IsZero reports whether the expression carries nothing to evaluate.
func (e Expression) IsZero() bool {
	return e.Cond == nil && e.Text == ""
}

// Clone returns a deep copy of the expression.
func (e Expression) Clone() Expression {
	return Expression{Text: e.Text, Cond: e.Cond.Clone()}
}

func (e Expression) MarshalJSON() ([]byte, error) {
	if e.Cond != nil {
		return json.Marshal(e.Cond)
	}
	if e.Text == "" {
		return []byte("null"), nil
	}
	return json.Marshal(e.Text)
}

func (e *Expression) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*e = Expression{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &e.Text)
	case '{':
		var c Condition
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		e.Cond = &c
		return nil
	default:
		return fmt.Errorf("expression must be a string or an object, got %s", string(data))
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = cloneValue(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = cloneValue(item)
		}
		return cp
	default:
		return v
	}
}
