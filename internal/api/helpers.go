package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/flowtree/pkg/schema"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as {"error": FlowError}. Errors without a code are
// reported as STORE_ERROR with status 500.
func writeError(w http.ResponseWriter, err error) {
	fe, ok := schema.AsFlowError(err)
	if !ok {
		fe = schema.NewError(schema.ErrCodeStore, err.Error())
	}
	writeJSON(w, statusFor(fe.Code), map[string]any{"error": fe})
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeInvalidContext, schema.ErrCodeCycleDetected:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidOperation:
		return http.StatusConflict
	case schema.ErrCodeConfirmationRequired:
		return http.StatusPreconditionRequired
	case schema.ErrCodeCircuitOpen, schema.ErrCodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// notConfigured answers 501 for routes whose dependency is missing.
func notConfigured(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotImplemented, map[string]any{
		"error": schema.NewErrorf(schema.ErrCodeInvalidOperation, "%s is not configured", what),
	})
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	raw, err := readBody(r)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON body: %s", err.Error()).WithCause(err)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to read request body").WithCause(err)
	}
	return raw, nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
