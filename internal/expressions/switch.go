package expressions

import "github.com/rendis/flowtree/pkg/schema"

// SwitchLookup resolves a switch condition's variable and looks the value up in
// its map. The resolved value is stringified before the lookup, so a missing
// variable looks up "undefined" and the number 2 looks up "2".
// It returns the mapped value and whether the map had an entry.
func SwitchLookup(c *schema.Condition, data any) (any, bool) {
	if c == nil || c.Map == nil {
		return nil, false
	}
	key := ToString(ResolveValue(c.Var, data))
	mapped, ok := c.Map[key]
	return mapped, ok
}
