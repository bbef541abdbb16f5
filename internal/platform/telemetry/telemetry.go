package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds tracing and metrics components
type Telemetry struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	registry *prometheus.Registry
}

// Config for telemetry
type Config struct {
	ServiceName    string
	JaegerEndpoint string
	MetricsEnabled bool
	TracingEnabled bool
}

// New creates a telemetry instance. Tracing falls back to a no-op tracer
// when disabled so callers never branch on it.
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		tracer:   noop.NewTracerProvider().Tracer(cfg.ServiceName),
	}

	if cfg.TracingEnabled {
		provider, err := initTracer(cfg.ServiceName, cfg.JaegerEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		t.provider = provider
		t.tracer = otel.Tracer(cfg.ServiceName)
	}

	if cfg.MetricsEnabled {
		t.registry.MustRegister(prometheus.NewGoCollector())
		t.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	return t, nil
}

func initTracer(serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := jaeger.New(
		jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(endpoint),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Registry returns the metrics registry
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

// MetricsHandler returns the HTTP handler for /metrics
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Close shuts down telemetry
func (t *Telemetry) Close() error {
	if t.provider != nil {
		return t.provider.Shutdown(context.Background())
	}
	return nil
}
