package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/studio/backend/pkg/generations"
)

func (s *Server) handleSubmitGeneration(w http.ResponseWriter, r *http.Request) {
	var req generations.Request
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	g, err := s.generations.Submit(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, g, http.StatusAccepted)
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.instances.Get(id); err != nil {
		s.respondError(w, r, err)
		return
	}
	list, err := s.generations.List(generations.Filter{
		InstanceID: id,
		Status:     generations.Status(r.URL.Query().Get("status")),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*generations.Generation{}
	}
	respondJSON(w, map[string]any{"generations": list}, http.StatusOK)
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	g, err := s.generations.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, g, http.StatusOK)
}

func (s *Server) handleDeleteGeneration(w http.ResponseWriter, r *http.Request) {
	if err := s.generations.Delete(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGenerationProgress serves the last progress snapshot. With no
// snapshot cached it falls back to the stored record's status.
func (s *Server) handleGenerationProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if p, ok := s.progress.Latest(id); ok {
		respondJSON(w, p, http.StatusOK)
		return
	}
	g, err := s.generations.Get(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{
		"instanceId":   g.InstanceID,
		"generationId": g.ID,
		"status":       g.Status,
		"attempt":      g.Attempts,
	}, http.StatusOK)
}
