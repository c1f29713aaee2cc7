package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewOtelProvider_StdoutFallback(t *testing.T) {
	telemetry, shutdown, err := NewOtelProvider(context.Background(), "fabric-test", "")
	require.NoError(t, err)
	require.NotNil(t, telemetry)
	require.NotNil(t, shutdown)
	defer shutdown(context.Background())

	ctx, span := telemetry.StartSpan(context.Background(), "unit-test-span")
	require.NotNil(t, span)
	assert.NotNil(t, ctx)

	span.SetAttribute("string", "value")
	span.SetAttribute("bool", true)
	span.SetAttribute("int", 7)
	span.SetAttribute("int64", int64(7))
	span.SetAttribute("float64", 1.5)
	span.SetAttribute("other", struct{}{})
	span.RecordError(errors.New("boom"))
	span.RecordError(nil)
	span.End()
}

func TestNewOtelProvider_RequiresServiceName(t *testing.T) {
	_, _, err := NewOtelProvider(context.Background(), "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
}

func TestOtelTelemetry_RecordMetricUsesGlobalRegistry(t *testing.T) {
	prev := GetGlobalMetricsRegistry()
	defer SetMetricsRegistry(prev)

	reg := &fakeMetricsRegistry{}
	SetMetricsRegistry(reg)

	telemetry, shutdown, err := NewOtelProvider(context.Background(), "fabric-test", "")
	require.NoError(t, err)
	defer shutdown(context.Background())

	telemetry.RecordMetric("queue.depth", 42, map[string]string{"priority": "high"})
	require.Len(t, reg.gauges, 1)
	assert.Equal(t, "queue.depth", reg.gauges[0].name)
	assert.Equal(t, 42.0, reg.gauges[0].value)
}

func TestOtelMetricsRegistry_RecordsAgainstAmbientMeter(t *testing.T) {
	registry := NewOtelMetricsRegistry(otel.Meter("fabric-test"))

	assert.NotPanics(t, func() {
		registry.Counter("queue.sent", "priority", "high")
		registry.Gauge("queue.depth", 3, "priority", "high")
		registry.Histogram("gateway.latency_ms", 12.5, "integration", "weather")
		registry.EmitWithContext(context.Background(), "gateway.latency_ms", 8.2, "integration", "weather")
	})

	// Repeat calls by name reuse the cached instrument rather than
	// re-registering with the meter.
	assert.NotPanics(t, func() {
		registry.Counter("queue.sent", "priority", "low")
	})
}

type fakeMetricsRegistry struct {
	gauges []fakeGaugeCall
}

type fakeGaugeCall struct {
	name  string
	value float64
}

func (f *fakeMetricsRegistry) Counter(name string, labels ...string)   {}
func (f *fakeMetricsRegistry) Histogram(name string, value float64, labels ...string) {}
func (f *fakeMetricsRegistry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
}

func (f *fakeMetricsRegistry) Gauge(name string, value float64, labels ...string) {
	f.gauges = append(f.gauges, fakeGaugeCall{name: name, value: value})
}
