package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mbekkel/taskmill/internal/admission"
	"github.com/mbekkel/taskmill/internal/model"
	"github.com/mbekkel/taskmill/internal/store"
)

// RunStarter admits and stages task-run attempts. The coordinator's launcher
// implements it.
type RunStarter interface {
	StartRun(ctx context.Context, environment, taskSlug string, payload json.RawMessage) (model.TaskRunAttempt, error)
}

// startRunRequest is the JSON body for POST /v1/runs.
type startRunRequest struct {
	Environment string          `json:"environment"`
	TaskSlug    string          `json:"taskSlug"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// handleStartRun starts one task run: the attempt is admitted through its
// queue and staged for the worker. A queue at its limit answers 429; retry
// policy belongs to the caller.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run launching is not configured")
		return
	}

	var req startRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Environment == "" || req.TaskSlug == "" {
		s.writeError(w, http.StatusBadRequest, "environment and taskSlug are required")
		return
	}

	attempt, err := s.runs.StartRun(r.Context(), req.Environment, req.TaskSlug, req.Payload)
	switch {
	case errors.Is(err, admission.ErrConcurrencyLimited), errors.Is(err, admission.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found in environment")
		return
	case err != nil:
		s.logger.Error("start run", "task", req.TaskSlug, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	s.writeJSON(w, http.StatusCreated, attempt)
}
