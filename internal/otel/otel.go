// Package otel wires OpenTelemetry tracing and metrics for the chat loop.
// A disabled config yields no-op providers.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/todo-chat/internal/config"
)

const (
	TracerName = "todochat"
	MeterName  = "todochat"

	defaultOTLPEndpoint = "localhost:4318"
)

// Provider carries the tracer and the chat-loop instruments handed to the
// engine, the tool registry and the gateway.
type Provider struct {
	Tracer  trace.Tracer
	Meter   metric.Meter
	Metrics *Metrics

	closers []func(context.Context) error
}

// spanExporters maps telemetry.exporter to a constructor. "none" keeps an
// SDK tracer (span ids for log correlation) without shipping spans anywhere.
var spanExporters = map[string]func(context.Context, config.TelemetryConfig) (sdktrace.SpanExporter, error){
	"otlp-http": func(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	},
	"stdout": func(context.Context, config.TelemetryConfig) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"none": func(context.Context, config.TelemetryConfig) (sdktrace.SpanExporter, error) {
		return nil, nil
	},
}

// ExporterNames lists the accepted telemetry.exporter values.
func ExporterNames() []string {
	names := make([]string, 0, len(spanExporters))
	for name := range spanExporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Init builds the providers described by cfg and registers the tracer
// provider globally. version is stamped on the resource. Shutdown must be
// called on exit.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider()
	}

	exporterName := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporterName == "" {
		exporterName = "otlp-http"
	}
	newExporter, ok := spanExporters[exporterName]
	if !ok {
		return nil, fmt.Errorf("unknown telemetry exporter %q (supported: %s)", cfg.Exporter, strings.Join(ExporterNames(), ", "))
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "todochat"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
			attribute.String("todochat.exporter", exporterName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel %s exporter: %w", exporterName, err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	p := &Provider{
		Tracer:  tp.Tracer(TracerName),
		Meter:   mp.Meter(MeterName),
		closers: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}
	if p.Metrics, err = NewMetrics(p.Meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("otel instruments: %w", err)
	}
	return p, nil
}

func noopProvider() (*Provider, error) {
	meter := noop.NewMeterProvider().Meter(MeterName)
	m, err := NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("otel instruments: %w", err)
	}
	return &Provider{
		Tracer:  nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:   meter,
		Metrics: m,
	}, nil
}

// samplerFor maps sample_rate onto a parent-based sampler. A zero rate
// from the config defaults means "sample everything".
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0, rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, closeFn := range p.closers {
		if err := closeFn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
