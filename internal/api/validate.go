package api

import (
	"net/http"
)

// handleValidate validates a workflow document and returns the full result,
// warnings included. An invalid document is still a 200; the result says why.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	_, result := s.deps.Validator.ValidateJSON(raw)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}
