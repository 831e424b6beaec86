package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type otelHarness struct {
	provider *OTelProvider
	reader   *sdkmetric.ManualReader
	spans    *tracetest.SpanRecorder
}

func setupOTelTest(t *testing.T) *otelHarness {
	t.Helper()

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	provider, err := NewOTel(WithTracerProvider(tp), WithMeterProvider(mp))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		_ = provider.Shutdown(ctx)
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
	})

	return &otelHarness{provider: provider, reader: reader, spans: spans}
}

func (h *otelHarness) collect(t *testing.T) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T", m.Name, m.Data)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewOTel_UsesGlobalProviders(t *testing.T) {
	provider, err := NewOTel()

	require.NoError(t, err)
	assert.NotNil(t, provider.tracer)
	assert.NotNil(t, provider.meter)
}

func TestOTelProvider_RecordsStoreMetrics(t *testing.T) {
	h := setupOTelTest(t)
	ctx := context.Background()

	h.provider.RecordConstruction(ctx, true, 5*time.Millisecond)
	h.provider.RecordRefresh(ctx, RefreshChanged, 12*time.Millisecond)
	h.provider.RecordRefresh(ctx, RefreshUnchanged, 3*time.Millisecond)
	h.provider.RecordRefresh(ctx, RefreshSkipped, 0)
	h.provider.RecordNotification(ctx, 2)
	h.provider.RecordEvaluation(ctx, "new-checkout", "boolean", true)
	h.provider.RecordCacheHit(ctx, "boolean")
	h.provider.RecordCacheMiss(ctx, "variant")

	metrics := h.collect(t)

	assert.Equal(t, int64(1), sumOf(t, metrics["flagsync.store.constructions"]))
	assert.Equal(t, int64(3), sumOf(t, metrics["flagsync.store.refreshes"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["flagsync.store.notifications"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["flagsync.evaluations"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["flagsync.cache.hits"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["flagsync.cache.misses"]))

	hist, ok := metrics["flagsync.store.refresh.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count, "skipped ticks are not timed")
}

func TestOTelProvider_CircuitStateGauge(t *testing.T) {
	tests := []struct {
		state string
		want  int64
	}{
		{"closed", 0},
		{"open", 1},
		{"half-open", 2},
		{"unknown", 0},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			h := setupOTelTest(t)
			h.provider.RecordCircuitState(context.Background(), tt.state)

			gauge, ok := h.collect(t)["flagsync.circuit.state"].Data.(metricdata.Gauge[int64])
			require.True(t, ok)
			require.Len(t, gauge.DataPoints, 1)
			assert.Equal(t, tt.want, gauge.DataPoints[0].Value)
		})
	}
}

func TestOTelProvider_StartSpan(t *testing.T) {
	h := setupOTelTest(t)

	ctx, span := h.provider.StartSpan(context.Background(), "store.refresh",
		WithAttributes(String("store.id", "abc"), Int("listeners", 2), Bool("changed", true)))
	require.NotNil(t, ctx)

	span.SetAttributes(Attribute{Key: "odd", Value: struct{}{}})
	span.AddEvent("hash.read", String("hash", "h1"))
	span.RecordError(errors.New("boom"))
	span.End()

	ended := h.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "store.refresh", ended[0].Name())
	assert.Len(t, ended[0].Events(), 2)
}

func TestConvertAttribute(t *testing.T) {
	tests := []struct {
		name     string
		attr     Attribute
		wantType string
	}{
		{"string", String("key", "value"), "STRING"},
		{"int", Int("key", 42), "INT64"},
		{"int64", Attribute{Key: "key", Value: int64(123)}, "INT64"},
		{"bool", Bool("key", true), "BOOL"},
		{"float64", Attribute{Key: "key", Value: 3.14}, "FLOAT64"},
		{"unknown", Attribute{Key: "key", Value: struct{}{}}, "STRING"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := convertAttribute(tt.attr)
			assert.Equal(t, tt.attr.Key, string(kv.Key))
			assert.Equal(t, tt.wantType, kv.Value.Type().String())
		})
	}
}

func TestNoOpProvider(t *testing.T) {
	var p Provider = NewNoOp()
	ctx := context.Background()

	newCtx, span := p.StartSpan(ctx, "noop")
	assert.Equal(t, ctx, newCtx)
	span.SetAttributes(String("a", "b"))
	span.RecordError(errors.New("ignored"))
	span.AddEvent("e")
	span.End()

	p.RecordConstruction(ctx, false, time.Second)
	p.RecordRefresh(ctx, RefreshFailed, time.Second)
	p.RecordNotification(ctx, 1)
	p.RecordEvaluation(ctx, "f", "boolean", false)
	p.RecordCacheHit(ctx, "boolean")
	p.RecordCacheMiss(ctx, "boolean")
	p.RecordCircuitState(ctx, "open")
	assert.NoError(t, p.Shutdown(ctx))
}
