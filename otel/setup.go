package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the meter and tracer used by toolconn.
const InstrumentationName = "github.com/petal-labs/toolconn"

// SetupConfig configures telemetry providers.
type SetupConfig struct {
	ServiceName string
	// OTLPEndpoint is the OTLP/HTTP trace endpoint URL. Tracing is off when empty.
	OTLPEndpoint string
	// MetricReaders are attached to the meter provider.
	MetricReaders []sdkmetric.Reader
	// SpanProcessors are attached in addition to the OTLP exporter.
	SpanProcessors []sdktrace.SpanProcessor
}

// Providers holds the SDK providers created by Setup.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// Setup builds the meter provider and, when an endpoint or span processor is
// configured, a tracer provider exporting over OTLP/HTTP.
func Setup(ctx context.Context, cfg SetupConfig) (*Providers, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "toolconn"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", name)),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: build resource: %w", err)
	}

	meterOptions := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, reader := range cfg.MetricReaders {
		meterOptions = append(meterOptions, sdkmetric.WithReader(reader))
	}
	providers := &Providers{
		MeterProvider: sdkmetric.NewMeterProvider(meterOptions...),
	}

	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" && len(cfg.SpanProcessors) == 0 {
		return providers, nil
	}

	traceOptions := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			_ = providers.MeterProvider.Shutdown(ctx)
			return nil, fmt.Errorf("otel: create otlp exporter: %w", err)
		}
		traceOptions = append(traceOptions, sdktrace.WithBatcher(exporter))
	}
	for _, processor := range cfg.SpanProcessors {
		traceOptions = append(traceOptions, sdktrace.WithSpanProcessor(processor))
	}
	providers.TracerProvider = sdktrace.NewTracerProvider(traceOptions...)
	return providers, nil
}

// Meter returns the toolconn meter.
func (p *Providers) Meter() metric.Meter {
	return p.MeterProvider.Meter(InstrumentationName)
}

// Tracer returns the toolconn tracer, or nil when tracing is off.
func (p *Providers) Tracer() trace.Tracer {
	if p.TracerProvider == nil {
		return nil
	}
	return p.TracerProvider.Tracer(InstrumentationName)
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("otel: shutdown tracer provider: %w", err))
		}
	}
	if err := p.MeterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("otel: shutdown meter provider: %w", err))
	}
	return errors.Join(errs...)
}
