// Package observability traces and measures the coworker's own operations:
// chat turns, model calls, batch dispatch and single action executions.
//
// Every tracked operation gets a span, a count, a latency sample and, when it
// fails, a failure count tagged with the error type. The same outcome feeds
// the SLO tracker when one is attached.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scope = "coworker"

// AttrOperation names the tracked operation on every metric point.
var AttrOperation = attribute.Key("coworker.operation")

// Config selects where telemetry goes. Nothing is exported unless Enabled.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC host:port
	SampleRate     float64
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns a disabled config pointing at a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "coworkerd",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		ExportInterval: 15 * time.Second,
		Insecure:       true,
	}
}

// Provider hands out operation trackers. The zero-cost Noop provider is used
// wherever none is injected.
type Provider struct {
	tracer   trace.Tracer
	ops      metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
	slo      *SLOTracker
	closers  []func(context.Context) error
}

// Option customizes a Provider.
type Option func(*Provider)

// WithSLOTracker feeds every tracked operation into t.
func WithSLOTracker(t *SLOTracker) Option {
	return func(p *Provider) { p.slo = t }
}

// New builds a provider. When cfg is disabled spans and instruments are
// no-ops, but an attached SLO tracker still receives observations.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return newProvider(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider(), opts...)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	points, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(points, sdkmetric.WithInterval(interval))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p, err := newProvider(tp, mp, opts...)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, tp.Shutdown, mp.Shutdown)

	slog.Default().InfoContext(ctx, "telemetry exporting",
		"endpoint", cfg.OTLPEndpoint, "environment", cfg.Environment, "sample_rate", cfg.SampleRate)
	return p, nil
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	p, _ := newProvider(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	return p
}

func newProvider(tp trace.TracerProvider, mp metric.MeterProvider, opts ...Option) (*Provider, error) {
	meter := mp.Meter(scope)
	p := &Provider{tracer: tp.Tracer(scope)}
	for _, opt := range opts {
		opt(p)
	}

	var err error
	if p.ops, err = meter.Int64Counter("coworker.operations",
		metric.WithDescription("Tracked operations started"), metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	if p.failures, err = meter.Int64Counter("coworker.operation.failures",
		metric.WithDescription("Tracked operations that returned an error"), metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	// model calls land in the upper buckets
	if p.latency, err = meter.Float64Histogram("coworker.operation.duration",
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60)); err != nil {
		return nil, err
	}
	if p.inflight, err = meter.Int64UpDownCounter("coworker.operations.inflight",
		metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes pending telemetry.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, closeFn := range p.closers {
		errs = append(errs, closeFn(ctx))
	}
	return errors.Join(errs...)
}

// SLO returns the attached tracker, or nil.
func (p *Provider) SLO() *SLOTracker {
	return p.slo
}

// TrackOperation starts a span named after the operation and returns the
// function that ends it. The error passed to finish decides the outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))

	opAttrs := append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)
	set := metric.WithAttributes(opAttrs...)
	p.ops.Add(ctx, 1, set)
	p.inflight.Add(ctx, 1, set)

	return ctx, func(err error) {
		elapsed := time.Since(start)
		p.inflight.Add(ctx, -1, set)
		p.latency.Record(ctx, elapsed.Seconds(), set)
		if err != nil {
			span.RecordError(err)
			errType := attribute.String("error.type", fmt.Sprintf("%T", err))
			p.failures.Add(ctx, 1, metric.WithAttributes(append(opAttrs, errType)...))
		}
		if p.slo != nil {
			p.slo.Record(SLOObservation{Operation: name, Latency: elapsed, Success: err == nil})
		}
		span.End()
	}
}
