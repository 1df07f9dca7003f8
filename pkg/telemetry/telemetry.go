// Package telemetry wires OpenTelemetry tracing for the coordination core.
//
// Tracing is opt-in: with no OTLP endpoint configured, Init installs
// nothing and the otel.Tracer calls scattered through the orchestrator and
// runners hit the default no-op provider.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/version"
)

// ScopeName identifies this instrumentation scope in exported spans.
const ScopeName = "github.com/massgen-ai/massgen"

// Init sets up the global tracer provider with an OTLP HTTP exporter.
// Returns a shutdown function that flushes pending spans; the function is
// non-nil even when tracing is disabled.
func Init(ctx context.Context, cfg *config.TelemetryConfig, logger *slog.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg == nil || cfg.OTLPEndpoint == "" {
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(version.AppName),
			semconv.ServiceVersion(version.GitCommit),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("Telemetry initialized", slog.String("otlp_endpoint", cfg.OTLPEndpoint))
	return tp.Shutdown, nil
}
