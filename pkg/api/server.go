// Package api exposes the orchestration core over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/studio/backend/pkg/auth"
	"github.com/vyvo/studio/backend/pkg/executions"
	"github.com/vyvo/studio/backend/pkg/generations"
	"github.com/vyvo/studio/backend/pkg/instances"
	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/marketplace"
	"github.com/vyvo/studio/backend/pkg/metrics"
	"github.com/vyvo/studio/backend/pkg/progress"
	"github.com/vyvo/studio/backend/pkg/setup"
	"github.com/vyvo/studio/backend/pkg/workflows"
)

const requestTimeout = 60 * time.Second

// OfferSearcher lists launchable marketplace offers.
type OfferSearcher interface {
	SearchOffers(ctx context.Context, query map[string]any) ([]marketplace.Offer, error)
}

// Deps are the services the HTTP surface drives.
type Deps struct {
	Registry    *instances.Registry
	Executions  executions.Repository
	Setup       *setup.Controller
	Resolver    generations.Resolver
	Generations *generations.Service
	Workflows   *workflows.Catalog
	Progress    *progress.Broadcaster
	Offers      OfferSearcher
	Metrics     *metrics.Metrics
	Logger      logging.Logger
	APIKeys     []string
}

type Server struct {
	registry    *instances.Registry
	instances   instances.Repository
	executions  executions.Repository
	setup       *setup.Controller
	resolver    generations.Resolver
	generations *generations.Service
	workflows   *workflows.Catalog
	progress    *progress.Broadcaster
	offers      OfferSearcher
	metrics     *metrics.Metrics
	logger      logging.Logger
	apiKeys     []string
}

func NewServer(d Deps) *Server {
	return &Server{
		registry:    d.Registry,
		instances:   d.Registry.Repository(),
		executions:  d.Executions,
		setup:       d.Setup,
		resolver:    d.Resolver,
		generations: d.Generations,
		workflows:   d.Workflows,
		progress:    d.Progress,
		offers:      d.Offers,
		metrics:     d.Metrics,
		logger:      logging.Ensure(d.Logger),
		apiKeys:     d.APIKeys,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.observe)
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware)

	router.Get("/healthz", healthzHandler)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler())
	}

	router.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(s.apiKeys))
		timeout := timeoutMiddleware(requestTimeout)

		// Streams stay outside the request timeout.
		r.Get("/progress/ws", s.progress.WebSocketHandler(allInstances))
		r.Get("/progress/sse", s.progress.SSEHandler(allInstances))

		r.With(timeout).Get("/offers", s.handleListOffers)

		r.Route("/instances", func(r chi.Router) {
			r.Get("/{id}/progress/ws", s.progress.WebSocketHandler(instanceParam))
			r.Get("/{id}/progress/sse", s.progress.SSEHandler(instanceParam))

			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Get("/", s.handleListInstances)
				r.Post("/", s.handleProvision)
				r.Get("/{id}", s.handleGetInstance)
				r.Delete("/{id}", s.handleDeleteInstance)
				r.Post("/{id}/refresh", s.handleRefresh)
				r.Post("/{id}/stop", s.handleStop)
				r.Get("/{id}/events", s.handleInstanceEvents)
				r.Post("/{id}/setup", s.handleRunSetup)
				r.Get("/{id}/executions", s.handleListExecutions)
				r.Get("/{id}/models", s.handleListModels)
				r.Get("/{id}/generations", s.handleListGenerations)
				r.Post("/{id}/generations", s.handleSubmitGeneration)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.Get("/executions/{id}", s.handleGetExecution)

			r.Get("/generations/{id}", s.handleGetGeneration)
			r.Delete("/generations/{id}", s.handleDeleteGeneration)
			r.Get("/generations/{id}/progress", s.handleGenerationProgress)

			r.Get("/workflows", s.handleListWorkflows)
			r.Post("/workflows", s.handleCreateWorkflow)
			r.Get("/workflows/{id}", s.handleGetWorkflow)
			r.Delete("/workflows/{id}", s.handleDeleteWorkflow)
			r.Post("/workflows/{id}/sync-models", s.handleSyncModels)
		})
	})

	return router
}

func allInstances(*http.Request) string { return progress.AllInstances }

func instanceParam(r *http.Request) string { return chi.URLParam(r, "id") }

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// observe logs each request and counts it by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.HTTPRequest(r.Method, route, status)
		s.logger.Info("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
