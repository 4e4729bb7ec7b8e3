package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/etlorch/internal/controller"
	"github.com/me/etlorch/internal/registry"
	"github.com/me/etlorch/pkg/model"
)

type pipelineDetail struct {
	Pipeline *model.PipelineConfig `json:"pipeline,omitempty"`
	Loop     *controller.Snapshot  `json:"loop,omitempty"`
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.tracker.Snapshots())
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var detail pipelineDetail
	if snap, ok := s.tracker.Get(id); ok {
		detail.Loop = &snap
	}
	if s.registry != nil {
		p, err := s.registry.GetPipeline(r.Context(), id)
		switch {
		case errors.Is(err, registry.ErrNotFound):
		case err != nil:
			s.logger.Error("get pipeline failed", "pipeline_id", id, "error", err)
			respondError(w, reqID, http.StatusInternalServerError, "INTERNAL", "registry unavailable")
			return
		default:
			detail.Pipeline = p
		}
	}
	if detail.Pipeline == nil && detail.Loop == nil {
		respondError(w, reqID, http.StatusNotFound, "NOT_FOUND", "pipeline "+id+" not found")
		return
	}
	respondOK(w, reqID, detail)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if s.registry == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, "UNAVAILABLE", "no registry configured")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, reqID, http.StatusBadRequest, "VALIDATION", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	if _, err := s.registry.GetPipeline(r.Context(), id); errors.Is(err, registry.ErrNotFound) {
		respondError(w, reqID, http.StatusNotFound, "NOT_FOUND", "pipeline "+id+" not found")
		return
	}
	runs, err := s.registry.ListRuns(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("list runs failed", "pipeline_id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError, "INTERNAL", "registry unavailable")
		return
	}
	if runs == nil {
		runs = []*model.RunRecord{}
	}
	respondOK(w, reqID, runs)
}
