package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/flowtree/internal/expressions"
	"github.com/rendis/flowtree/pkg/schema"
)

var (
	comparisonOps = map[string]bool{">": true, "<": true, ">=": true, "<=": true, "==": true, "!=": true}
	stringOps     = map[string]bool{"contains": true, "not_contains": true, "starts_with": true, "ends_with": true, "equals": true}
	dateOps       = map[string]bool{"before": true, "after": true}
)

// validateSemantic checks what the JSON Schema cannot: the root is an action,
// each kind carries only the edges it may have, conditions are well formed
// for their kind, and free-text conditions compile.
func validateSemantic(doc *schema.NodeDocument, compiler ExpressionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if doc.Kind != schema.KindAction {
		result.AddError("root.type", schema.ErrCodeValidation,
			fmt.Sprintf("the start node must be an action, got %s", doc.Kind))
	}
	validateNode(doc, "root", compiler, result)
	return result
}

func validateNode(n *schema.NodeDocument, path string, compiler ExpressionCompiler, result *schema.ValidationResult) {
	switch n.Kind {
	case schema.KindTerminal:
		if len(n.Children) > 0 || len(n.Branches) > 0 {
			result.AddError(path, schema.ErrCodeValidation, "terminal nodes have no outgoing edges")
		}
	case schema.KindAction:
		if len(n.Branches) > 0 {
			result.AddError(path+".branches", schema.ErrCodeValidation, "action nodes have a single child, not branches")
		}
		if len(n.Children) > 1 {
			result.AddError(path+".children", schema.ErrCodeValidation, "action nodes have at most one child")
		}
		if n.Condition != "" || n.ConditionObj != nil {
			result.AddWarning(path+".condition", schema.ErrCodeValidation, "condition on an action node is ignored")
		}
	case schema.KindBranch:
		if len(n.Children) > 0 {
			result.AddError(path+".children", schema.ErrCodeValidation, "branch nodes route through branches, not children")
		}
		for _, key := range sortedKeys(n.Branches) {
			if !schema.IsCanonicalKey(key) && !schema.IsCaseKey(key) {
				result.AddError(fmt.Sprintf("%s.branches[%s]", path, key), schema.ErrCodeValidation,
					fmt.Sprintf("branch key %q must be true, false or carry the %q prefix", key, schema.CaseKeyPrefix))
			}
		}
		validateBranchCondition(n, path, compiler, result)
	default:
		result.AddError(path+".type", schema.ErrCodeValidation, fmt.Sprintf("unknown node type %q", n.Kind))
	}

	for i, c := range n.Children {
		if c != nil {
			validateNode(c, fmt.Sprintf("%s.children[%d]", path, i), compiler, result)
		}
	}
	for _, key := range sortedKeys(n.Branches) {
		if c := n.Branches[key]; c != nil {
			validateNode(c, fmt.Sprintf("%s.branches[%s]", path, key), compiler, result)
		}
	}
}

func validateBranchCondition(n *schema.NodeDocument, path string, compiler ExpressionCompiler, result *schema.ValidationResult) {
	switch {
	case n.ConditionObj != nil:
		validateCondition(n.ConditionObj, path+".conditionObj", compiler, result)
		if n.ConditionObj.Kind == schema.ConditionSwitch {
			for value, key := range n.ConditionObj.Map {
				slot := expressions.ToString(key)
				if _, ok := n.Branches[slot]; !ok {
					if _, ok := n.Branches[schema.CaseKeyPrefix+slot]; !ok && !schema.IsCanonicalKey(slot) {
						result.AddWarning(path+".conditionObj.map", schema.ErrCodeValidation,
							fmt.Sprintf("value %q routes to missing branch %q", value, slot))
					}
				}
			}
		}
	case strings.TrimSpace(n.Condition) == "":
		result.AddWarning(path+".condition", schema.ErrCodeValidation,
			"branch has no condition and always takes the false edge")
	default:
		compileText(n.Condition, path+".condition", compiler, result)
	}
}

func validateCondition(c *schema.Condition, path string, compiler ExpressionCompiler, result *schema.ValidationResult) {
	require := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			result.AddError(path+"."+field, schema.ErrCodeValidation,
				fmt.Sprintf("%s condition requires %s", c.Kind, field))
		}
	}
	op := func(allowed map[string]bool, value string) {
		if !allowed[value] {
			result.AddError(path+".op", schema.ErrCodeValidation,
				fmt.Sprintf("unsupported %s operator %q", c.Kind, value))
		}
	}

	switch c.Kind {
	case schema.ConditionComparison:
		require("left", c.Left)
		op(comparisonOps, c.Op)
	case schema.ConditionBoolean:
		require("var", c.Var)
	case schema.ConditionString:
		require("left", c.Left)
		op(stringOps, c.Op)
		if c.Value == nil {
			result.AddWarning(path+".value", schema.ErrCodeValidation,
				"string condition has no value; it always evaluates to false")
		}
	case schema.ConditionMulti:
		if upper := strings.ToUpper(c.Op); upper != "AND" && upper != "OR" {
			result.AddError(path+".op", schema.ErrCodeValidation,
				fmt.Sprintf("multi operator must be AND or OR, got %q", c.Op))
		}
		for i, sub := range c.Conds {
			subPath := fmt.Sprintf("%s.conds[%d]", path, i)
			switch {
			case sub.Cond != nil:
				validateCondition(sub.Cond, subPath, compiler, result)
			case sub.Text != "":
				compileText(sub.Text, subPath, compiler, result)
			default:
				result.AddWarning(subPath, schema.ErrCodeValidation, "empty sub-condition evaluates to false")
			}
		}
	case schema.ConditionDate:
		require("left", c.Left)
		op(dateOps, c.Op)
		if _, ok := expressions.ParseDate(c.Date); !ok {
			result.AddError(path+".date", schema.ErrCodeValidation, fmt.Sprintf("unparseable date %q", c.Date))
		}
	case schema.ConditionRange:
		require("left", c.Left)
		if c.Min == nil || c.Max == nil {
			result.AddWarning(path, schema.ErrCodeValidation, "range without both bounds always evaluates to false")
		}
	case schema.ConditionRegex:
		require("left", c.Left)
		if err := expressions.CheckRegex(c.Pattern, c.Flags); err != nil {
			result.AddError(path+".pattern", schema.ErrCodeValidation, fmt.Sprintf("invalid regex: %s", err.Error()))
		}
	case schema.ConditionExternal:
		require("url", c.URL)
	case schema.ConditionSwitch:
		require("var", c.Var)
		if len(c.Map) == 0 {
			result.AddWarning(path+".map", schema.ErrCodeValidation, "switch without a map always dead-ends")
		}
	default:
		result.AddError(path+".type", schema.ErrCodeValidation, fmt.Sprintf("unknown condition type %q", c.Kind))
	}
}

func compileText(text, path string, compiler ExpressionCompiler, result *schema.ValidationResult) {
	if compiler == nil {
		return
	}
	if err := compiler.Compile(text); err != nil {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("expression does not compile and will evaluate to false: %s", err.Error()))
	}
}

func sortedKeys(m map[string]*schema.NodeDocument) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
