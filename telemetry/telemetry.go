// Package telemetry implements core.Telemetry over OpenTelemetry: a span
// API for callers holding a core.Telemetry, and a metrics registry that
// framework internals reach through core's global registry (the production
// logger counts every event it writes there once metrics are enabled). No
// framework package starts spans on its own. Exporters are OTLP/gRPC for
// clusters and stdout for local development.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewforge/crewforge/core"
)

// Config configures a Provider.
type Config struct {
	ServiceName string
	// Endpoint is an OTLP/gRPC collector address (host:4317). Empty
	// selects the stdout exporter.
	Endpoint string
	// Insecure disables TLS towards the collector.
	Insecure bool
}

// Provider implements core.Telemetry on an OpenTelemetry tracer.
type Provider struct {
	tracer        trace.Tracer
	traceProvider *sdktrace.TracerProvider
	registry      *MetricsRegistry
	shutdownOnce  sync.Once
}

// NewProvider builds the telemetry pipeline and registers the metrics
// registry with core so framework internals can emit metrics without a
// dependency cycle.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "crewforge"
	}

	var exporter sdktrace.SpanExporter
	var err error
	if cfg.Endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, core.NewFrameworkError("telemetry.NewProvider", core.KindConfiguration, err)
	}

	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, core.NewFrameworkError("telemetry.NewProvider", core.KindConfiguration, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{
		tracer:        tp.Tracer(cfg.ServiceName),
		traceProvider: tp,
		registry:      NewMetricsRegistry(cfg.ServiceName),
	}
	core.SetMetricsRegistry(p.registry)
	return p, nil
}

// StartSpan opens a child span of whatever is active in ctx.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric forwards to the metrics registry as a histogram sample.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	flat := make([]string, 0, len(labels)*2)
	for k, v := range labels {
		flat = append(flat, k, v)
	}
	p.registry.Histogram(name, value, flat...)
}

// Shutdown flushes pending spans. Safe to call more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = p.traceProvider.Shutdown(flushCtx)
	})
	return err
}

type otelSpan struct{ span trace.Span }

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

var _ core.Telemetry = (*Provider)(nil)
