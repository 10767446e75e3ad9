package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/studio/backend/pkg/executions"
	"github.com/vyvo/studio/backend/pkg/instances"
)

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	var query map[string]any
	if raw := r.URL.Query().Get("q"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &query); err != nil {
			s.respondError(w, r, fmt.Errorf("%w: q must be a JSON object: %v", errBadBody, err))
			return
		}
	}
	offers, err := s.offers.SearchOffers(r.Context(), query)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"offers": offers}, http.StatusOK)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	filter := instances.Filter{
		Status:      instances.Status(r.URL.Query().Get("status")),
		SetupStatus: instances.SetupStatus(r.URL.Query().Get("setupStatus")),
	}
	list, err := s.instances.List(filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*instances.Instance{}
	}
	respondJSON(w, map[string]any{"instances": list, "total": len(list)}, http.StatusOK)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var spec instances.ProvisionSpec
	if err := decodeBody(r, &spec); err != nil {
		s.respondError(w, r, err)
		return
	}
	inst, err := s.registry.Provision(r.Context(), spec)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, inst, http.StatusCreated)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.instances.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, inst, http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, inst, http.StatusOK)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, inst, http.StatusAccepted)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.instances.Events(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, map[string]any{"events": events}, http.StatusOK)
}

func (s *Server) handleRunSetup(w http.ResponseWriter, r *http.Request) {
	exec, err := s.setup.RunSetup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, exec, http.StatusAccepted)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.instances.Get(id); err != nil {
		s.respondError(w, r, err)
		return
	}
	list, err := s.executions.ListByInstance(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*executions.Execution{}
	}
	respondJSON(w, map[string]any{"executions": list}, http.StatusOK)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.executions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, exec, http.StatusOK)
}

// handleListModels resolves the instance and asks its inference server for
// checkpoint names. Simulated instances answer from the demo catalog.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	inst, err := s.instances.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.resolver.Resolve(r.Context(), inst)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	models := res.Models
	if !res.Demo {
		if models, err = res.Client.Models(r.Context()); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	if models == nil {
		models = []string{}
	}
	respondJSON(w, map[string]any{"models": models, "simulated": res.Demo, "endpoint": res.BaseURL}, http.StatusOK)
}
