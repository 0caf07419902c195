// Package observability wires OpenTelemetry into the fabric tooling.
//
// A Provider owns the OTLP/gRPC trace and metric pipelines, a small RED
// instrument set for operator commands, and the observable instruments
// that mirror fabric.FabricMetrics. A disabled Provider is still usable:
// it hands out the global no-op tracer and meter.
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
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported as the service and instrumentation version.
const Version = "1.0.0"

const scopeName = "helm-fabric"

// Config selects where telemetry goes.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is a gRPC host:port.
	OTLPEndpoint string
	// SampleRate is the fraction of traces kept, clamped to [0, 1].
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig exports everything to a local collector over TLS.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helm-fabric",
		ServiceVersion: Version,
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        true,
	}
}

// Provider is the process telemetry handle.
type Provider struct {
	config *Config
	logger *slog.Logger

	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	tracer  trace.Tracer
	meter   metric.Meter

	cmd *commandInstruments
}

// New builds a Provider and installs its pipelines as the otel globals.
// With cfg.Enabled false nothing is exported and nothing is installed.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}
	if !cfg.Enabled {
		p.logger.DebugContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := fabricResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	if p.traces, err = newTracerProvider(ctx, cfg, res); err != nil {
		return nil, err
	}
	if p.metrics, err = newMeterProvider(ctx, cfg, res); err != nil {
		_ = p.traces.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(p.traces)
	otel.SetMeterProvider(p.metrics)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.tracer = p.traces.Tracer(scopeName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = p.metrics.Meter(scopeName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if p.cmd, err = newCommandInstruments(p.meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("command instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry export enabled",
		"endpoint", cfg.OTLPEndpoint,
		"environment", cfg.Environment,
		"sample_rate", cfg.SampleRate,
		"insecure", cfg.Insecure,
	)
	return p, nil
}

func fabricResource(cfg *Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
		attribute.String("helm.component", "fabric"),
	))
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	), nil
}

// samplerFor keeps child decisions consistent with the parent span.
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes spans before metrics so the final command span lands
// alongside its duration sample.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.traces != nil {
		if err := p.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider: %w", err))
		}
	}
	if p.metrics != nil {
		if err := p.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tracer falls back to the global tracer when export is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer != nil {
		return p.tracer
	}
	return otel.Tracer(scopeName)
}

// Meter falls back to the global meter when export is disabled.
func (p *Provider) Meter() metric.Meter {
	if p.meter != nil {
		return p.meter
	}
	return otel.Meter(scopeName)
}
