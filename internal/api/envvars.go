package api

import (
	"encoding/json"
	"net/http"
)

// setEnvVarRequest is the JSON body for POST /v1/env-vars.
type setEnvVarRequest struct {
	Environment string `json:"environment"`
	Name        string `json:"name"`
	Value       string `json:"value"`
}

// handleListEnvVars returns all variables registered for an environment.
// The deploy CLI gates on this set before building any image.
func (s *Server) handleListEnvVars(w http.ResponseWriter, r *http.Request) {
	environment := r.URL.Query().Get("env")
	if environment == "" {
		s.writeError(w, http.StatusBadRequest, "env query parameter is required")
		return
	}

	vars, err := s.store.ListEnvVars(r.Context(), environment)
	if err != nil {
		s.logger.Error("list env vars", "environment", environment, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list env vars")
		return
	}

	s.writeJSON(w, http.StatusOK, vars)
}

// handleSetEnvVar registers or overwrites one variable.
func (s *Server) handleSetEnvVar(w http.ResponseWriter, r *http.Request) {
	var req setEnvVarRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Environment == "" || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "environment and name are required")
		return
	}

	if err := s.store.SetEnvVar(r.Context(), req.Environment, req.Name, req.Value); err != nil {
		s.logger.Error("set env var", "name", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to set env var")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
