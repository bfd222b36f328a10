// Package tracing wires OpenTelemetry spans around queue dispatch, carrier
// steps, reclaim sweeps and HTTP requests.
package tracing

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/simreg/regq/internal/config"
	"github.com/simreg/regq/internal/log"
)

// DefaultServiceName identifies regq in exported traces.
const DefaultServiceName = "regq"

// DefaultOTLPEndpoint is used when tracing.otlp_endpoint is empty.
const DefaultOTLPEndpoint = "localhost:4317"

// Config configures the tracing subsystem.
type Config struct {
	Enabled      bool
	Exporter     string
	FilePath     string
	OTLPEndpoint string
	SampleRate   float64
	ServiceName  string
	Version      string

	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer
}

// FromConfig converts the tracing section of the application config.
// An empty file path falls back to config.DefaultTracesFilePath.
func FromConfig(c config.TracingConfig, version string) Config {
	cfg := Config{
		Enabled:      c.Enabled,
		Exporter:     c.Exporter,
		FilePath:     c.FilePath,
		OTLPEndpoint: c.OTLPEndpoint,
		SampleRate:   c.SampleRate,
		ServiceName:  DefaultServiceName,
		Version:      version,
	}
	if cfg.FilePath == "" {
		cfg.FilePath = config.DefaultTracesFilePath()
	}
	return cfg
}

// exporterFactories build the span exporter for each tracing.exporter value.
// A nil exporter means spans are sampled and carry ids but go nowhere.
var exporterFactories = map[string]func(Config) (sdktrace.SpanExporter, error){
	"file": func(cfg Config) (sdktrace.SpanExporter, error) {
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file_path required for file exporter")
		}
		return NewFileExporter(cfg.FilePath)
	},
	"stdout": func(cfg Config) (sdktrace.SpanExporter, error) {
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		return stdouttrace.New(opts...)
	},
	"otlp": func(cfg Config) (sdktrace.SpanExporter, error) {
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = DefaultOTLPEndpoint
		}
		// The gRPC client connects lazily, so this does not block on the collector.
		return otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	},
	"none": func(Config) (sdktrace.SpanExporter, error) { return nil, nil },
	"":     func(Config) (sdktrace.SpanExporter, error) { return nil, nil },
}

// Provider owns the SDK tracer provider, or a no-op tracer when disabled.
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds the provider described by cfg and installs it, together
// with the W3C trace-context propagator, as the global otel provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(DefaultServiceName)}, nil
	}

	factory, ok := exporterFactories[cfg.Exporter]
	if !ok {
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}
	exporter, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", name)}
	if cfg.Version != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.Version))
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	sdk := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Info(log.CatTracing, "Tracing enabled", "exporter", cfg.Exporter, "sample_rate", cfg.SampleRate)
	return &Provider{sdk: sdk, tracer: sdk.Tracer(name)}, nil
}

// sampler honours a parent's decision and samples new roots at rate.
// Zero and anything at or above one sample everything.
func sampler(rate float64) sdktrace.Sampler {
	root := sdktrace.AlwaysSample()
	if rate > 0 && rate < 1 {
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Tracer returns the configured tracer. It is a no-op tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool {
	return p.sdk != nil
}

// Shutdown flushes pending spans, giving up after timeout.
func (p *Provider) Shutdown(ctx context.Context, timeout time.Duration) error {
	if p.sdk == nil {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
