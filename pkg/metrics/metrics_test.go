package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ExecutionFinished("completed")
	m.SubscriberAdded()
	m.HTTPRequest("GET", "/", 200)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}

func TestCountersAreExposed(t *testing.T) {
	m := New()
	m.ExecutionFinished("failed")
	m.ExecutionFinished("failed")
	m.GenerationFinished("completed", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `orchestrator_executions_total{status="failed"} 2`) {
		t.Fatalf("execution counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, `orchestrator_generations_total{mode="simulated",status="completed"} 1`) {
		t.Fatalf("generation counter missing from exposition:\n%s", body)
	}
}
