package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mbekkel/taskmill/internal/model"
)

const (
	maxBodySize = 1 << 20 // 1 MB

	// defaultListLimit bounds list responses when the caller gives no limit.
	defaultListLimit = 100
)

// registerWorkerRequest is the JSON body for POST /v1/workers.
type registerWorkerRequest struct {
	ProjectRef  string               `json:"projectRef"`
	Environment string               `json:"environment"`
	Metadata    model.WorkerMetadata `json:"metadata"`
}

// handleRegisterWorker registers a worker version. Registration is
// idempotent per content hash: re-posting the latest version's hash returns
// the existing worker with a 200, a new hash allocates the next version.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Environment == "" {
		s.writeError(w, http.StatusBadRequest, "environment is required")
		return
	}
	if req.Metadata.ContentHash == "" {
		s.writeError(w, http.StatusBadRequest, "metadata.contentHash is required")
		return
	}

	worker, err := s.registry.RegisterWorker(r.Context(), req.ProjectRef, req.Environment, req.Metadata)
	if err != nil {
		s.logger.Error("register worker", "environment", req.Environment, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to register worker")
		return
	}

	s.writeJSON(w, http.StatusOK, worker)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	q := r.URL.Query().Get(key)
	if q == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(q)
	if err != nil {
		return defaultVal
	}
	return v
}
