package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vyvo/studio/backend/pkg/executions"
	"github.com/vyvo/studio/backend/pkg/generations"
	"github.com/vyvo/studio/backend/pkg/inference"
	"github.com/vyvo/studio/backend/pkg/instances"
	"github.com/vyvo/studio/backend/pkg/marketplace"
	"github.com/vyvo/studio/backend/pkg/setup"
	"github.com/vyvo/studio/backend/pkg/tasks"
	"github.com/vyvo/studio/backend/pkg/workflows"
)

const maxBodyBytes = 4 << 20

var errBadBody = errors.New("invalid request body")

type errorResponse struct {
	Error     string   `json:"error"`
	Attempted []string `json:"attempted,omitempty"`
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError maps domain errors to status codes. Unknown errors are 500
// and their text is logged rather than returned.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var notFound *inference.NotFoundError
	if errors.As(err, &notFound) {
		resp.Attempted = notFound.Attempted
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = http.StatusText(status)
	}
	respondJSON(w, resp, status)
}

func statusFor(err error) int {
	var notFound *inference.NotFoundError
	switch {
	case errors.As(err, &notFound):
		return http.StatusBadGateway
	case errors.Is(err, instances.ErrNotFound),
		errors.Is(err, executions.ErrNotFound),
		errors.Is(err, generations.ErrNotFound),
		errors.Is(err, workflows.ErrNotFound),
		errors.Is(err, marketplace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, instances.ErrPreconditionFailed),
		errors.Is(err, setup.ErrNotReady),
		errors.Is(err, generations.ErrInstanceNotReady):
		return http.StatusPreconditionFailed
	case errors.Is(err, instances.ErrInvalidTransition),
		errors.Is(err, setup.ErrAlreadyRunning),
		errors.Is(err, setup.ErrAlreadyComplete),
		errors.Is(err, tasks.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, errBadBody),
		errors.Is(err, instances.ErrInvalidSpec),
		errors.Is(err, generations.ErrInvalidRequest),
		errors.Is(err, workflows.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, inference.ErrUnsupportedGraph),
		errors.Is(err, inference.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tasks.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}
