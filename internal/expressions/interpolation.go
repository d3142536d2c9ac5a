package expressions

import (
	"net/url"
	"strings"

	"github.com/rendis/flowtree/pkg/schema"
)

// InterpolateURL resolves ${{path}} references in an external condition URL
// against the run context. Each resolved value is stringified and
// query-escaped; a missing path becomes an empty string. A URL without
// references is returned unchanged.
func InterpolateURL(template string, data any) (string, error) {
	if !strings.Contains(template, "${{") {
		return template, nil
	}

	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			out.WriteString(template[i:])
			break
		}
		out.WriteString(template[i : i+idx])
		start := i + idx + 3

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ reference in external url").
				WithDetails(map[string]any{"url": template})
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		if path == "" || strings.Contains(path, "${{") {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid reference ${{%s}} in external url", path).
				WithDetails(map[string]any{"url": template})
		}
		path = strings.TrimPrefix(path, "context.")

		if v, ok := Resolve(path, data); ok && !isNullish(v) {
			out.WriteString(url.QueryEscape(ToString(v)))
		}
		i = end + 2
	}
	return out.String(), nil
}
