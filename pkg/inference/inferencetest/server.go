// Package inferencetest runs a fake inference service for tests.
package inferencetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Config shapes the fake's behaviour. A submitted job gets a history record
// after ReadyAfter empty history polls; a negative ReadyAfter never does.
type Config struct {
	ReadyAfter  int
	FailJob     bool
	RejectJobs  bool
	Unhealthy   bool
	Checkpoints []string
}

// Server imitates the inference HTTP API.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	cfg       Config
	submitted []json.RawMessage
	polls     map[string]int
	nextID    int
}

func NewServer(cfg Config) *Server {
	if cfg.Checkpoints == nil {
		cfg.Checkpoints = []string{"b.safetensors", "a.safetensors"}
	}
	s := &Server{cfg: cfg, polls: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", s.handleStats)
	mux.HandleFunc("/object_info/CheckpointLoaderSimple", s.handleObjectInfo)
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/history/", s.handleHistory)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetUnhealthy toggles the health endpoint.
func (s *Server) SetUnhealthy(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Unhealthy = v
}

// Submitted returns the raw graphs received so far.
func (s *Server) Submitted() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.submitted...)
}

// Polls returns how many history requests were made for a queue id.
func (s *Server) Polls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[id]
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	unhealthy := s.cfg.Unhealthy
	s.mu.Unlock()
	if unhealthy {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"system": map[string]any{"os": "posix"}, "devices": []any{}})
}

func (s *Server) handleObjectInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	names := append([]string(nil), s.cfg.Checkpoints...)
	s.mu.Unlock()
	writeJSON(w, map[string]any{
		"CheckpointLoaderSimple": map[string]any{
			"input": map[string]any{
				"required": map[string]any{
					"ckpt_name": []any{names, map[string]any{}},
				},
			},
		},
	})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Prompt json.RawMessage `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.RejectJobs {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"error": map[string]any{"type": "prompt_outputs_failed_validation"}})
		return
	}
	s.submitted = append(s.submitted, body.Prompt)
	s.nextID++
	id := fmt.Sprintf("prompt-%d", s.nextID)
	s.polls[id] = 0
	writeJSON(w, map[string]any{"prompt_id": id, "number": s.nextID, "node_errors": map[string]any{}})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/history/")
	s.mu.Lock()
	s.polls[id]++
	n := s.polls[id]
	ready := s.cfg.ReadyAfter >= 0 && n > s.cfg.ReadyAfter
	failed := s.cfg.FailJob
	s.mu.Unlock()

	if !ready {
		writeJSON(w, map[string]any{})
		return
	}
	status := "success"
	outputs := map[string]any{
		"9": map[string]any{"images": []any{
			map[string]any{"filename": "studio_00001_.png", "subfolder": "", "type": "output"},
		}},
	}
	if failed {
		status = "error"
		outputs = map[string]any{}
	}
	writeJSON(w, map[string]any{id: map[string]any{
		"outputs": outputs,
		"status":  map[string]any{"status_str": status, "completed": !failed, "messages": []any{}},
	}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
