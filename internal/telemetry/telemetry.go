// Package telemetry wires OpenTelemetry tracing and metrics for the tile
// server and records the events reported by the cache, reader and tiler.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options configures the providers.
type Options struct {
	ServiceName string
	Version     string

	TracingEnabled  bool
	TracingExporter string  // otlp|stdout|none
	SampleRatio     float64 // 0.0-1.0

	MetricsEnabled  bool
	MetricsExporter string // otlp|prometheus|stdout|none
}

// Provider owns the tracer and meter providers and the instruments built on them.
type Provider struct {
	*Instruments

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prom.Registry
}

// New creates the providers and installs them as the global OpenTelemetry
// providers. Disabled signals fall back to no-op implementations.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.ServiceName == "" {
		return nil, errors.New("service name is required")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{}

	if opts.TracingEnabled && opts.TracingExporter != "none" && opts.TracingExporter != "" {
		exporter, err := newSpanExporter(ctx, opts.TracingExporter)
		if err != nil {
			return nil, fmt.Errorf("failed to setup tracing: %w", err)
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sampler(opts.SampleRatio))),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(p.tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
	}

	var meter metric.Meter = noop.NewMeterProvider().Meter(opts.ServiceName)
	if opts.MetricsEnabled && opts.MetricsExporter != "none" && opts.MetricsExporter != "" {
		if opts.MetricsExporter == "prometheus" {
			p.registry = prom.NewRegistry()
		}
		reader, err := newMetricReader(ctx, opts.MetricsExporter, p.registry)
		if err != nil {
			p.shutdownTracing(ctx)
			return nil, fmt.Errorf("failed to setup metrics: %w", err)
		}
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(p.meterProvider)
		meter = p.meterProvider.Meter(opts.ServiceName)
	}

	p.Instruments, err = NewInstruments(meter)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return p, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// MetricsHandler serves the Prometheus scrape endpoint. It returns nil unless
// the prometheus exporter is active.
func (p *Provider) MetricsHandler() http.Handler {
	if p.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.shutdownTracing(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) shutdownTracing(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer shutdown: %w", err)
	}
	return nil
}
