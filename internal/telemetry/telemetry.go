package telemetry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "create-pull-request-action"

// Config controls span export.
type Config struct {
	Enabled bool
	// Endpoint is the OTLP/HTTP collector address (host:port). When empty the exporter falls back to the
	// OTEL_EXPORTER_OTLP_* environment variables.
	Endpoint string
	Insecure bool
	// Version is recorded as the service.version resource attribute.
	Version string

	// exporter replaces the OTLP exporter; tests use it to capture spans in memory.
	exporter sdktrace.SpanExporter
}

// Provider owns the tracer provider installed for a run.
type Provider struct {
	enabled bool
	runID   string
	tp      *sdktrace.TracerProvider
}

// NewProvider installs a global tracer provider when tracing is enabled. A disabled provider leaves the
// otel no-op tracer in place, so instrumented packages keep working without a collector.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{enabled: cfg.Enabled, runID: uuid.NewString()}
	if !cfg.Enabled {
		return p, nil
	}

	exporter := cfg.exporter
	if exporter == nil {
		var opts []otlptracehttp.Option
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}

		var err error
		exporter, err = otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
		attribute.String("run.id", p.runID),
	)

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.tp)
	return p, nil
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.enabled
}

// RunID identifies this run in exported resources and logs.
func (p *Provider) RunID() string {
	if p == nil {
		return ""
	}
	return p.runID
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// TraceID returns the trace id of the span active in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
