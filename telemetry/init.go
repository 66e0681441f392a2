// Package telemetry installs the OpenTelemetry tracer provider used by the
// dispatch spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
)

type Config struct {
	ServiceName string `koanf:"service_name" mapstructure:"service_name"`
	// TracingURL is the OTLP/HTTP collector host:port. Empty disables export.
	TracingURL string `koanf:"tracing_url" mapstructure:"tracing_url"`
	Insecure   bool   `koanf:"insecure" mapstructure:"insecure"`
	// SampleRatio below 1 samples that fraction of root spans.
	SampleRatio float64 `koanf:"sample_ratio" mapstructure:"sample_ratio"`
}

type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs a batching OTLP tracer provider as the global provider and
// returns its shutdown. With no TracingURL it leaves the global no-op
// provider in place.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return nil, errors.New("telemetry: service name cannot be empty")
	}
	if strings.TrimSpace(cfg.TracingURL) == "" {
		return noopShutdown, nil
	}

	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.TracingURL)}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
