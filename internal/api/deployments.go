package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mbekkel/taskmill/internal/model"
	"github.com/mbekkel/taskmill/internal/store"
)

// createDeploymentRequest is the JSON body for POST /v1/deployments.
type createDeploymentRequest struct {
	ProjectRef  string `json:"projectRef"`
	Environment string `json:"environment"`
	ContentHash string `json:"contentHash"`
}

// startIndexingRequest is the JSON body for POST /v1/deployments/{id}/start-indexing.
type startIndexingRequest struct {
	ImageRef string `json:"imageRef"`
}

// finalizeRequest is the JSON body for POST /v1/deployments/{id}/finalize.
// The coordinator reports the indexing outcome here.
type finalizeRequest struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// handleCreateDeployment allocates a PENDING deployment: id, version label,
// and a content-addressed image tag.
func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Environment == "" || req.ContentHash == "" {
		s.writeError(w, http.StatusBadRequest, "environment and contentHash are required")
		return
	}
	if len(req.ContentHash) < 12 {
		s.writeError(w, http.StatusBadRequest, "contentHash too short")
		return
	}

	versionLabel, err := s.registry.NextVersionLabel(r.Context(), req.Environment)
	if err != nil {
		s.logger.Error("allocate version label", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to allocate version")
		return
	}

	now := time.Now().UTC()
	d := &model.Deployment{
		ID:           model.NewFriendlyID("deploy"),
		ProjectRef:   req.ProjectRef,
		Environment:  req.Environment,
		Status:       model.DeployPending,
		ContentHash:  req.ContentHash,
		ImageRef:     fmt.Sprintf("%s/%s:%s", s.imageRepo, req.ProjectRef, req.ContentHash[:12]),
		VersionLabel: versionLabel,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateDeployment(r.Context(), d); err != nil {
		s.logger.Error("create deployment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create deployment")
		return
	}
	deploymentsByStatus.WithLabelValues(model.DeployPending).Inc()

	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.store.GetDeployment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	if err != nil {
		s.logger.Error("get deployment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get deployment")
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}

// handleStartBuild marks the deployment BUILDING.
func (s *Server) handleStartBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.transitionDeployment(w, r, id, model.DeployBuilding, "")
}

// handleStartIndexing records the pushed image, moves the deployment to
// DEPLOYING, and triggers indexing. An indexer failure transitions the
// deployment to ERROR rather than leaving it in DEPLOYING forever.
func (s *Server) handleStartIndexing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req startIndexingRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ImageRef == "" {
		s.writeError(w, http.StatusBadRequest, "imageRef is required")
		return
	}

	if err := s.store.SetDeploymentImage(r.Context(), id, req.ImageRef); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		s.logger.Error("set deployment image", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record image")
		return
	}

	if !s.updateStatus(w, r, id, model.DeployDeploying, "") {
		return
	}

	if s.indexer != nil {
		if err := s.indexer.StartIndexing(r.Context(), id, req.ImageRef); err != nil {
			s.logger.Error("start indexing", "deployment_id", id, "error", err)
			msg := fmt.Sprintf("indexing failed: %v", err)
			if serr := s.store.UpdateDeploymentStatus(r.Context(), id, model.DeployError, msg); serr != nil {
				s.logger.Error("mark deployment error", "deployment_id", id, "error", serr)
			}
			deploymentsByStatus.WithLabelValues(model.DeployError).Inc()
			s.writeError(w, http.StatusBadGateway, msg)
			return
		}
	}

	d, err := s.store.GetDeployment(r.Context(), id)
	if err != nil {
		s.logger.Error("get deployment after indexing start", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get deployment")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// handleFinalizeDeployment records the indexing outcome reported by the
// coordinator: DEPLOYED or ERROR, nothing else.
func (s *Server) handleFinalizeDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req finalizeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Status != model.DeployDeployed && req.Status != model.DeployError {
		s.writeError(w, http.StatusBadRequest, "status must be DEPLOYED or ERROR")
		return
	}

	s.transitionDeployment(w, r, id, req.Status, req.ErrorMessage)
}

// transitionDeployment applies a status change and writes the updated
// deployment back.
func (s *Server) transitionDeployment(w http.ResponseWriter, r *http.Request, id, status, errorMessage string) {
	if !s.updateStatus(w, r, id, status, errorMessage) {
		return
	}

	d, err := s.store.GetDeployment(r.Context(), id)
	if err != nil {
		s.logger.Error("get deployment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get deployment")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// updateStatus performs the store transition, translating failures to HTTP
// statuses. It reports whether the transition succeeded.
func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request, id, status, errorMessage string) bool {
	err := s.store.UpdateDeploymentStatus(r.Context(), id, status, errorMessage)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "deployment not found")
		return false
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		s.writeError(w, http.StatusConflict, err.Error())
		return false
	}
	if err != nil {
		s.logger.Error("update deployment status", "deployment_id", id, "status", status, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update deployment")
		return false
	}
	deploymentsByStatus.WithLabelValues(status).Inc()
	return true
}
