// Package observability provides distributed tracing for the publisher
package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	initOnce sync.Once
)

// TracingConfig contains tracing configuration.
type TracingConfig struct {
	// Enabled turns span export on; when false a no-op tracer is used
	Enabled bool `yaml:"enabled" json:"enabled"`
	// ServiceName labels exported spans
	ServiceName string `yaml:"service_name" json:"service_name"`
	// SamplingRate controls trace sampling (0.0-1.0)
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
}

// DefaultTracingConfig returns a disabled tracing configuration.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:      false,
		ServiceName:  "edfipub",
		SamplingRate: 1.0,
	}
}

// Initialize sets up the tracer provider. Safe to call more than once;
// only the first call takes effect.
func Initialize(cfg TracingConfig) error {
	var err error
	initOnce.Do(func() {
		if !cfg.Enabled {
			tracer = otel.Tracer(cfg.ServiceName)
			return
		}

		var exporter *stdouttrace.Exporter
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			err = fmt.Errorf("failed to create trace exporter: %w", err)
			return
		}

		provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		)
		otel.SetTracerProvider(provider)
		tracer = provider.Tracer(cfg.ServiceName)
	})
	return err
}

// Tracer returns the publisher tracer, initializing a no-op tracer if
// Initialize was never called.
func Tracer() trace.Tracer {
	if tracer == nil {
		_ = Initialize(DefaultTracingConfig())
	}
	return tracer
}

// StartStageSpan opens a span covering one resource stage.
func StartStageSpan(ctx context.Context, resource, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("resource", resource),
			attribute.String("stage", stage),
		))
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
