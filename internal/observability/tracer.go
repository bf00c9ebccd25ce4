package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName is reported when TracerConfig.ServiceName is empty
const DefaultServiceName = "timeline-indexer"

const (
	defaultGRPCEndpoint = "localhost:4317"
	defaultHTTPEndpoint = "localhost:4318"

	backendKey = attribute.Key("timeline.backend")
	indexKey   = attribute.Key("timeline.index")
)

// TracerConfig holds configuration for the OpenTelemetry tracer
type TracerConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // defaults to localhost:4317 for gRPC, localhost:4318 for HTTP
	Protocol       string // "grpc" (default) or "http"
	Enabled        bool

	// Write target of the run, attached to every exported span
	Backend string
	Index   string
}

func (c TracerConfig) withDefaults() TracerConfig {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.Protocol == "" {
		c.Protocol = "grpc"
	}
	if c.Endpoint == "" {
		switch c.Protocol {
		case "grpc":
			c.Endpoint = defaultGRPCEndpoint
		case "http":
			c.Endpoint = defaultHTTPEndpoint
		}
	}
	return c
}

// resourceAttributes describes the process and its write target
func (c TracerConfig) resourceAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(c.ServiceName)}
	if c.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(c.ServiceVersion))
	}
	if c.Backend != "" {
		attrs = append(attrs, backendKey.String(c.Backend))
	}
	if c.Index != "" {
		attrs = append(attrs, indexKey.String(c.Index))
	}
	return attrs
}

func newTraceClient(c TracerConfig) (otlptrace.Client, error) {
	switch c.Protocol {
	case "grpc":
		return otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(c.Endpoint),
			otlptracegrpc.WithInsecure(),
		), nil
	case "http":
		return otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(c.Endpoint),
			otlptracehttp.WithInsecure(),
		), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s (use 'grpc' or 'http')", c.Protocol)
	}
}

// InitTracer installs the global tracer provider. When tracing is disabled a
// noop provider is installed so StartSpan stays cheap.
func InitTracer(cfg TracerConfig) (func(context.Context) error, error) {
	cfg = cfg.withDefaults()
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(ctx context.Context) error { return nil }, nil
	}

	client, err := newTraceClient(cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(cfg.resourceAttributes()...),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}
