// Package observe instruments circuit stages with OpenTelemetry: one
// span per stage and RED metrics (rate, errors, duration) per stage
// name.
//
// The provider is disabled by default; a disabled provider costs one
// branch per stage and emits nothing.
package observe

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the provider.
type Config struct {
	ServiceName string
	Enabled     bool
}

// DefaultConfig returns a disabled provider configuration.
func DefaultConfig() Config {
	return Config{ServiceName: "threshold-protocols", Enabled: false}
}

// Provider owns the tracer, meter and stage instruments.
type Provider struct {
	enabled bool

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer

	stageCounter metric.Int64Counter
	errorCounter metric.Int64Counter
	durationHist metric.Float64Histogram
}

// New builds a Provider. The SDK providers are local to this instance;
// nothing global is mutated, so parallel circuits can carry distinct
// providers.
func New(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "threshold-protocols"
	}

	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()
	meter := mp.Meter(cfg.ServiceName)

	stageCounter, err := meter.Int64Counter("circuit.stage.runs",
		metric.WithDescription("Stage executions"))
	if err != nil {
		return nil, fmt.Errorf("observe: stage counter: %w", err)
	}
	errorCounter, err := meter.Int64Counter("circuit.stage.errors",
		metric.WithDescription("Stage failures"))
	if err != nil {
		return nil, fmt.Errorf("observe: error counter: %w", err)
	}
	durationHist, err := meter.Float64Histogram("circuit.stage.duration_ms",
		metric.WithDescription("Stage latency in milliseconds"))
	if err != nil {
		return nil, fmt.Errorf("observe: duration histogram: %w", err)
	}

	return &Provider{
		enabled:        true,
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer(cfg.ServiceName),
		stageCounter:   stageCounter,
		errorCounter:   errorCounter,
		durationHist:   durationHist,
	}, nil
}

// StartStage opens a span for one stage. The returned func records
// duration and outcome; pass the stage error (nil on success).
func (p *Provider) StartStage(ctx context.Context, stage string) (context.Context, func(error)) {
	if !p.enabled {
		return ctx, func(error) {}
	}
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "circuit."+stage,
		trace.WithAttributes(attribute.String("circuit.stage", stage)))

	return ctx, func(err error) {
		attrs := metric.WithAttributes(attribute.String("circuit.stage", stage))
		p.stageCounter.Add(ctx, 1, attrs)
		p.durationHist.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)
		if err != nil {
			p.errorCounter.Add(ctx, 1, attrs)
			span.RecordError(err)
		}
		span.End()
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("observe: tracer shutdown: %w", err)
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("observe: meter shutdown: %w", err)
	}
	return nil
}
