package core

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OtelTelemetry implements Telemetry with a real OpenTelemetry tracer.
// Components that accept a Telemetry (gateway.Gateway, workflow.RedisCoordinator)
// use this in place of NoOpTelemetry once one is wired in.
type OtelTelemetry struct {
	tracer trace.Tracer
}

// NewOtelTelemetry wraps an existing tracer, e.g. one obtained from a
// TracerProvider built by NewOtelProvider.
func NewOtelTelemetry(tracer trace.Tracer) *OtelTelemetry {
	return &OtelTelemetry{tracer: tracer}
}

func (o *OtelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	spanCtx, span := o.tracer.Start(ctx, name)
	return spanCtx, &otelSpan{span: span}
}

func (o *OtelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	if r := GetGlobalMetricsRegistry(); r != nil {
		kvs := make([]string, 0, len(labels)*2)
		for k, v := range labels {
			kvs = append(kvs, k, v)
		}
		r.Gauge(name, value, kvs...)
	}
}

// otelSpan adapts trace.Span to the Span interface.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// NewOtelProvider builds a TracerProvider for serviceName and returns a
// ready-to-use Telemetry plus a shutdown func the caller must invoke on
// exit (flushes any buffered spans). Spans export via OTLP/gRPC when
// endpoint is non-empty; an empty endpoint falls back to a stdout
// exporter, the same local/no-collector path the teacher's own provider
// takes before a real OTEL_EXPORTER_OTLP_ENDPOINT is configured.
func NewOtelProvider(ctx context.Context, serviceName, endpoint string) (Telemetry, func(context.Context) error, error) {
	if serviceName == "" {
		return nil, nil, NewFrameworkError("core.NewOtelProvider", "core", fmt.Errorf("service name is required: %w", ErrInvalidConfiguration))
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, nil, NewFrameworkError("core.NewOtelProvider", "core", err)
	}

	var exporter sdktrace.SpanExporter
	if endpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, nil, NewFrameworkError("core.NewOtelProvider", "core", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return NewOtelTelemetry(tp.Tracer(serviceName)), tp.Shutdown, nil
}

// OtelMetricsRegistry implements MetricsRegistry against an
// OpenTelemetry metric.Meter, the counterpart to OtelTelemetry for the
// framework-internal counters core.ProductionLogger and components emit
// through the global MetricsRegistry hook (queue depth, lock contention,
// registry churn). It reads instruments from the ambient MeterProvider
// (otel.GetMeterProvider()) so it works whether or not a metric exporter
// pipeline has been installed — mirroring the same weak-coupling the
// teacher's own emitMetric/globalMetricsRegistry helpers use.
type OtelMetricsRegistry struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewOtelMetricsRegistry builds a registry that records through meter.
// Pass otel.Meter(serviceName) for the ambient global MeterProvider.
func NewOtelMetricsRegistry(meter metric.Meter) *OtelMetricsRegistry {
	return &OtelMetricsRegistry{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func labelsToAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

func (r *OtelMetricsRegistry) counter(name string) metric.Float64Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c, _ := r.meter.Float64Counter(name)
	r.counters[name] = c
	return c
}

func (r *OtelMetricsRegistry) gauge(name string) metric.Float64Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g, _ := r.meter.Float64Gauge(name)
	r.gauges[name] = g
	return g
}

func (r *OtelMetricsRegistry) histogram(name string) metric.Float64Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h, _ := r.meter.Float64Histogram(name)
	r.histograms[name] = h
	return h
}

func (r *OtelMetricsRegistry) Counter(name string, labels ...string) {
	r.counter(name).Add(context.Background(), 1, metric.WithAttributes(labelsToAttrs(labels)...))
}

func (r *OtelMetricsRegistry) Gauge(name string, value float64, labels ...string) {
	r.gauge(name).Record(context.Background(), value, metric.WithAttributes(labelsToAttrs(labels)...))
}

func (r *OtelMetricsRegistry) Histogram(name string, value float64, labels ...string) {
	r.histogram(name).Record(context.Background(), value, metric.WithAttributes(labelsToAttrs(labels)...))
}

func (r *OtelMetricsRegistry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	r.histogram(name).Record(ctx, value, metric.WithAttributes(labelsToAttrs(labels)...))
}
