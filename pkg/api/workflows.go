package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/studio/backend/pkg/workflows"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.workflows.List()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"workflows": list}, http.StatusOK)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var in workflows.Input
	if err := decodeBody(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	wf, err := s.workflows.Create(in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, wf, http.StatusCreated)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, wf, http.StatusOK)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.workflows.Delete(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncModels(w http.ResponseWriter, r *http.Request) {
	res, err := s.workflows.SyncModels(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, res, http.StatusOK)
}
