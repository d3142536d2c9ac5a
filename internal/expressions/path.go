package expressions

import (
	"strconv"
	"strings"
)

// Resolve looks up a dotted path ("a.b.c") in a nested context value.
// The second return value is false when the path is empty or any segment is
// missing, mirroring an undefined lookup. A JSON null resolves to (nil, true)
// when it is the final segment. Numeric segments index into arrays.
func Resolve(path string, data any) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := data
	for _, part := range strings.Split(path, ".") {
		if cur == nil {
			return nil, false
		}
		next, ok := member(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// ResolveValue is Resolve with undefined collapsed into the Undefined sentinel.
func ResolveValue(path string, data any) any {
	v, ok := Resolve(path, data)
	if !ok {
		return Undefined
	}
	return v
}

func member(v any, key string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		out, ok := m[key]
		return out, ok
	case map[string]string:
		out, ok := m[key]
		return out, ok
	case []any:
		if key == "length" {
			return float64(len(m)), true
		}
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(m) {
			return nil, false
		}
		return m[i], true
	case string:
		if key == "length" {
			return float64(len([]rune(m))), true
		}
	}
	return nil, false
}
