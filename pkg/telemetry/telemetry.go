package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/vyvo/studio/backend/pkg/logging"
)

// InitTracer installs a stdout tracer provider when enabled and returns its
// shutdown function. When disabled the global no-op provider stays in place
// and spans cost nothing.
func InitTracer(ctx context.Context, serviceName string, enabled bool, logger logging.Logger) func(context.Context) error {
	logger = logging.Ensure(logger)
	noop := func(context.Context) error { return nil }
	if !enabled {
		return noop
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		logger.Warn("telemetry exporter init failed", "error", err)
		return noop
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		logger.Warn("telemetry resource merge failed, using service name only", "error", err)
		res = resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.Info("tracing enabled", "exporter", "stdout", "service", serviceName)

	return func(ctx context.Context) error {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer provider: %w", err)
		}
		return nil
	}
}
