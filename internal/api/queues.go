package api

import (
	"encoding/json"
	"net/http"

	"github.com/mbekkel/taskmill/internal/model"
)

// upsertQueueRequest is the JSON body for POST /v1/queues. Absent limits
// clear the stored ones: the request states the desired configuration, not
// a patch.
type upsertQueueRequest struct {
	Environment      string           `json:"environment"`
	Name             string           `json:"name"`
	ConcurrencyLimit *int             `json:"concurrencyLimit,omitempty"`
	RateLimit        *model.RateLimit `json:"rateLimit,omitempty"`
}

// handleListQueues returns the queues in an environment, ordered by name,
// windowed by optional limit/offset query parameters.
func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	environment := r.URL.Query().Get("env")
	if environment == "" {
		s.writeError(w, http.StatusBadRequest, "env query parameter is required")
		return
	}
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	queues, err := s.store.ListQueues(r.Context(), environment)
	if err != nil {
		s.logger.Error("list queues", "environment", environment, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list queues")
		return
	}

	if offset < 0 || offset > len(queues) {
		offset = len(queues)
	}
	queues = queues[offset:]
	if limit > 0 && len(queues) > limit {
		queues = queues[:limit]
	}
	if queues == nil {
		queues = []*model.Queue{}
	}

	s.writeJSON(w, http.StatusOK, queues)
}

// handleUpsertQueue creates or updates a queue's limits. The persisted
// limits are propagated to the live admission layer before the response is
// written, so a run admitted after this returns observes the new limit.
func (s *Server) handleUpsertQueue(w http.ResponseWriter, r *http.Request) {
	var req upsertQueueRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Environment == "" || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "environment and name are required")
		return
	}

	q, err := s.store.UpsertQueue(r.Context(), &model.Queue{
		Environment:      req.Environment,
		Name:             req.Name,
		Type:             model.QueueTypeNamed,
		ConcurrencyLimit: req.ConcurrencyLimit,
		RateLimit:        req.RateLimit,
	})
	if err != nil {
		s.logger.Error("upsert queue", "queue", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to upsert queue")
		return
	}

	s.admission.UpsertQueue(q.Environment, q.Name, q.ConcurrencyLimit, q.RateLimit)

	s.writeJSON(w, http.StatusOK, q)
}
