package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/vinayprograms/dispatchkit/config"
)

// Resource attribute keys describing the coordinator that emits spans.
const (
	AttrTransport = attribute.Key("dispatch.transport")
	AttrCapacity  = attribute.Key("dispatch.capacity")
	AttrBackend   = attribute.Key("dispatch.backend")
)

// ProviderConfig configures trace export for one coordinator process.
type ProviderConfig struct {
	ServiceName string

	// Endpoint falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Protocol is "grpc" (default) or "http".
	Protocol string
	Insecure bool

	// Debug records input and result text on task spans.
	Debug bool

	// Origin identifies this coordinator instance.
	Origin string

	// Transport, Capacity and Backend describe the dispatcher.
	Transport string
	Capacity  int
	Backend   string

	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

// FromConfig derives the provider settings for the coordinator described
// by cfg.
func FromConfig(cfg *config.Config, origin string) ProviderConfig {
	return ProviderConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		Origin:      origin,
		Transport:   cfg.Backend.StreamTransport,
		Capacity:    cfg.Coordinator.Capacity,
		Backend:     cfg.Backend.BaseURL,
	}
}

func (c ProviderConfig) serviceName() string {
	if c.ServiceName != "" {
		return c.ServiceName
	}
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return "dispatchkit"
}

// Attributes returns the resource attributes spans are tagged with.
func (c ProviderConfig) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(c.serviceName())}
	if c.Origin != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(c.Origin))
	}
	if c.Transport != "" {
		attrs = append(attrs, AttrTransport.String(c.Transport))
	}
	if c.Capacity > 0 {
		attrs = append(attrs, AttrCapacity.Int(c.Capacity))
	}
	if c.Backend != "" {
		attrs = append(attrs, AttrBackend.String(c.Backend))
	}
	return attrs
}

// Provider owns the SDK tracer provider and the task tracer built on it.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider starts OTLP export and installs the provider globally.
// Shutdown must be called when done.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("telemetry endpoint not configured (set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	exporter, err := newExporter(ctx, cfg, endpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, cfg.Attributes()...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOpts...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracer(cfg.serviceName(), cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

func newExporter(ctx context.Context, cfg ProviderConfig, endpoint string) (sdktrace.SpanExporter, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown protocol: %s (use 'grpc' or 'http')", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}
	return exporter, nil
}

// Tracer returns the task tracer for this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and stops export.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
