package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// stdin is swapped in tests.
var stdin io.Reader = os.Stdin

// readInput reads path, or standard input when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// readDocumentJSON reads a workflow document written as JSON or YAML and
// returns it as JSON.
func readDocumentJSON(path string) ([]byte, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	if isYAMLPath(path) || !looksLikeJSON(data) {
		return yamlToJSON(data)
	}
	return data, nil
}

// readContextJSON resolves a --context value: inline JSON, a file path, or
// "-" for standard input. Empty means no context.
func readContextJSON(value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	if looksLikeJSON([]byte(value)) {
		return json.RawMessage(value), nil
	}
	data, err := readInput(value)
	if err != nil {
		return nil, err
	}
	if isYAMLPath(value) {
		return yamlToJSON(data)
	}
	return data, nil
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return json.Marshal(normalizeYAML(v))
}

// normalizeYAML turns map[any]any into map[string]any. YAML decodes the
// branch keys true and false as booleans.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
