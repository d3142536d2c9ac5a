package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowtree/pkg/schema"
)

func TestInterpolateURL(t *testing.T) {
	data := map[string]any{
		"user":  map[string]any{"id": "a&b", "score": 12.0},
		"empty": nil,
	}

	tests := []struct {
		template string
		want     string
	}{
		{"https://api.test/check", "https://api.test/check"},
		{"https://api.test/u/${{user.id}}", "https://api.test/u/a%26b"},
		{"https://api.test/s?v=${{ context.user.score }}", "https://api.test/s?v=12"},
		{"https://api.test/m?v=${{missing}}&e=${{empty}}", "https://api.test/m?v=&e="},
	}
	for _, tt := range tests {
		got, err := InterpolateURL(tt.template, data)
		require.NoError(t, err, tt.template)
		assert.Equal(t, tt.want, got)
	}
}

func TestInterpolateURL_Errors(t *testing.T) {
	for _, tmpl := range []string{"https://x/${{user.id", "https://x/${{ }}"} {
		_, err := InterpolateURL(tmpl, nil)
		require.Error(t, err, tmpl)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	}
}
