package expressions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/flowtree/pkg/schema"
)

// Describe renders a structured condition as the human-readable text shown on
// a branch node. The output is deterministic for a given condition.
func Describe(c *schema.Condition) string {
	if c == nil {
		return ""
	}
	switch c.Kind {
	case schema.ConditionComparison:
		return fmt.Sprintf("%s %s %s", c.Left, c.Op, literal(c.Right))
	case schema.ConditionBoolean:
		return fmt.Sprintf("%s is %t", c.Var, Truthy(c.Value))
	case schema.ConditionString:
		s := fmt.Sprintf("%s %s %q", c.Left, strings.ReplaceAll(c.Op, "_", " "), ToString(optionalString(c.Value)))
		if c.CaseInsensitive {
			s += " (case-insensitive)"
		}
		return s
	case schema.ConditionMulti:
		parts := make([]string, len(c.Conds))
		for i, sub := range c.Conds {
			parts[i] = "(" + DescribeExpression(sub) + ")"
		}
		return strings.Join(parts, " "+strings.ToUpper(c.Op)+" ")
	case schema.ConditionDate:
		return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Date)
	case schema.ConditionRange:
		return fmt.Sprintf("%s between %s and %s", c.Left, literal(c.Min), literal(c.Max))
	case schema.ConditionRegex:
		return fmt.Sprintf("%s matches /%s/%s", c.Left, c.Pattern, c.Flags)
	case schema.ConditionExternal:
		return "GET " + c.URL
	case schema.ConditionSwitch:
		keys := make([]string, 0, len(c.Map))
		for k := range c.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cases := make([]string, len(keys))
		for i, k := range keys {
			cases[i] = k + " -> " + ToString(c.Map[k])
		}
		return fmt.Sprintf("switch %s: %s", c.Var, strings.Join(cases, ", "))
	default:
		return string(c.Kind)
	}
}

// DescribeExpression renders either form of expression.
func DescribeExpression(e schema.Expression) string {
	if e.Cond != nil {
		return Describe(e.Cond)
	}
	return e.Text
}

func literal(v any) string {
	if s, ok := v.(string); ok {
		if isPlainDecimal(s) || s == "true" || s == "false" {
			return s
		}
		return fmt.Sprintf("%q", s)
	}
	if v == nil {
		return "?"
	}
	return ToString(v)
}

func optionalString(v any) any {
	if v == nil {
		return ""
	}
	return v
}
