// Package telemetry provides OpenTelemetry instrumentation for cumulus.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cumulus/internal/config"
	"github.com/yairfalse/cumulus/internal/operation"
	cresource "github.com/yairfalse/cumulus/pkg/resource"
)

const instrumentationName = "github.com/yairfalse/cumulus"

// Provider wraps OTEL tracer and meter providers. It implements the
// façade's Instrumentation hooks.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	providerName   string

	// Metrics
	calls        metric.Int64Counter
	callDuration metric.Float64Histogram
	polls        metric.Int64Counter
}

// Option adjusts provider setup.
type Option func(*options)

type options struct {
	readers    []sdkmetric.Reader
	processors []sdktrace.SpanProcessor
}

// WithReader adds a metric reader, e.g. a manual reader in tests.
func WithReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// WithSpanProcessor adds a span processor, e.g. a span recorder in tests.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, sp) }
}

// NewProvider creates a new telemetry provider. providerName tags every
// measurement with the cloud provider in use.
func NewProvider(ctx context.Context, cfg config.OTELConfig, providerName string, opts ...Option) (*Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{providerName: providerName}

	if err := p.setupTracing(ctx, cfg, res, o); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res, o); err != nil {
		if p.tracerProvider != nil {
			_ = p.tracerProvider.Shutdown(ctx)
		}
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource, o options) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate))
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}
	for _, sp := range o.processors {
		opts = append(opts, sdktrace.WithSpanProcessor(sp))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer(instrumentationName)

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource, o options) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}
	if cfg.Metrics.Prometheus {
		exp, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("create prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exp))
	}
	for _, r := range o.readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentationName)

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initMetrics() error {
	var err error

	p.calls, err = p.meter.Int64Counter(
		"cumulus_facade_calls_total",
		metric.WithDescription("Total façade calls by kind, call and outcome"),
	)
	if err != nil {
		return fmt.Errorf("create facade_calls: %w", err)
	}

	p.callDuration, err = p.meter.Float64Histogram(
		"cumulus_facade_call_duration_seconds",
		metric.WithDescription("Duration of façade calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create facade_call_duration: %w", err)
	}

	p.polls, err = p.meter.Int64Counter(
		"cumulus_operation_polls_total",
		metric.WithDescription("Total provider operation polls by kind and status"),
	)
	if err != nil {
		return fmt.Errorf("create operation_polls: %w", err)
	}

	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// StartCall opens a span for a façade call and returns the function that
// ends it and records the call metrics.
func (p *Provider) StartCall(ctx context.Context, kind cresource.Kind, call string) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", p.providerName),
		attribute.String("kind", string(kind)),
		attribute.String("call", call),
	}
	ctx, span := p.tracer.Start(ctx, string(kind)+"."+call, trace.WithAttributes(attrs...))
	start := time.Now()

	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		withOutcome := metric.WithAttributes(append(attrs, attribute.String("outcome", outcome))...)
		p.calls.Add(ctx, 1, withOutcome)
		p.callDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
	}
}

// OperationPolled counts one operation poll.
func (p *Provider) OperationPolled(ctx context.Context, kind cresource.Kind, status operation.Status) {
	p.polls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", p.providerName),
		attribute.String("kind", string(kind)),
		attribute.String("status", status.String()),
	))
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
