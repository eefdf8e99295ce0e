// Package tracing configures the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kenneth/document-vault/internal/config"
)

// InstrumentationName names the tracer used by vault components.
const InstrumentationName = "github.com/kenneth/document-vault"

// Provider couples a tracer provider with its shutdown.
type Provider struct {
	trace.TracerProvider
	shutdown func(context.Context) error
}

// Tracer returns the vault tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.TracerProvider.Tracer(InstrumentationName)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Setup builds the provider selected by cfg and installs it, together with
// the W3C trace-context propagator, as the global default. stdout is used by
// the "stdout" exporter; nil means os.Stdout.
func Setup(ctx context.Context, cfg config.TracingConfig, stdout io.Writer) (*Provider, error) {
	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", "none":
		p := &Provider{TracerProvider: noop.NewTracerProvider()}
		otel.SetTracerProvider(p.TracerProvider)
		return p, nil
	case "stdout":
		if stdout == nil {
			stdout = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stdout))
		if err != nil {
			return nil, fmt.Errorf("tracing: stdout exporter: %w", err)
		}
		exporter = exp
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("tracing: otlp exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("tracing: unsupported exporter %q", cfg.Exporter)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "document-vault"
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{TracerProvider: tp, shutdown: tp.Shutdown}, nil
}
