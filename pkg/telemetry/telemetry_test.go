package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/vyvo/studio/backend/pkg/logging"
)

func TestInitTracerDisabledKeepsGlobalProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown := InitTracer(context.Background(), "orchestrator", false, logging.Discard())
	if otel.GetTracerProvider() != before {
		t.Fatalf("disabled tracer replaced the global provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestInitTracerEnabledInstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown := InitTracer(context.Background(), "orchestrator", true, logging.Discard())
	if otel.GetTracerProvider() == before {
		t.Fatalf("expected a new tracer provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
