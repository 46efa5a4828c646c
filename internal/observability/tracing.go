// Package observability provides optional OpenTelemetry tracing.
// Spans are exported over OTLP HTTP to a local collector/agent, which
// handles authentication and forwarding to whatever backend is in use.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/tidesk/tidesk/internal/log"
)

// Config for OTEL trace export.
type Config struct {
	// Endpoint is the collector's OTLP HTTP endpoint (host:port).
	// Empty disables tracing entirely.
	Endpoint string
	// Environment is the deployment environment (dev, staging, prod).
	Environment string
	// ServiceName is the service name shown in the APM backend.
	ServiceName string

	Logger log.Logger
}

// DefaultServiceName is used when no service name is configured.
const DefaultServiceName = "tidesk"

// Setup registers an OTLP trace exporter as the global tracer
// provider and returns a shutdown function that flushes pending
// spans. Tracing is best-effort: exporter construction failures
// disable tracing instead of failing startup.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.Endpoint == "" {
		return noop, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(), // local collector, no TLS
	)
	if err != nil {
		logger.Warn("failed to create trace exporter, tracing disabled", "error", err)
		return noop, nil
	}

	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(
			semconv.DeploymentEnvironment(cfg.Environment)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		logger.Warn("failed to build trace resource, tracing disabled", "error", err)
		return noop, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Debug("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tp.Shutdown, nil
}
