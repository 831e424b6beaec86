package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/OrlandoBitencourt/flagsync"

// OTelProvider implements Provider using OpenTelemetry
type OTelProvider struct {
	tracer trace.Tracer
	meter  metric.Meter

	constructions   metric.Int64Counter
	refreshes       metric.Int64Counter
	refreshDuration metric.Float64Histogram
	notifications   metric.Int64Counter
	evaluations     metric.Int64Counter
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	circuitState    metric.Int64ObservableGauge

	currentCircuitState atomic.Int64
}

type OTelOption func(*otelOptions)

type otelOptions struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(o *otelOptions) { o.tracerProvider = tp }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) OTelOption {
	return func(o *otelOptions) { o.meterProvider = mp }
}

// NewOTel creates a provider backed by the global OpenTelemetry providers
// unless overridden.
func NewOTel(opts ...OTelOption) (*OTelProvider, error) {
	o := otelOptions{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	provider := &OTelProvider{
		tracer: o.tracerProvider.Tracer(instrumentationName),
		meter:  o.meterProvider.Meter(instrumentationName),
	}
	if err := provider.initMetrics(); err != nil {
		return nil, err
	}
	return provider, nil
}

func (o *OTelProvider) initMetrics() error {
	var err error

	o.constructions, err = o.meter.Int64Counter(
		"flagsync.store.constructions",
		metric.WithDescription("Evaluation handle construction attempts"),
	)
	if err != nil {
		return err
	}

	o.refreshes, err = o.meter.Int64Counter(
		"flagsync.store.refreshes",
		metric.WithDescription("Snapshot refreshes by outcome"),
	)
	if err != nil {
		return err
	}

	o.refreshDuration, err = o.meter.Float64Histogram(
		"flagsync.store.refresh.duration",
		metric.WithDescription("Duration of snapshot refreshes"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	o.notifications, err = o.meter.Int64Counter(
		"flagsync.store.notifications",
		metric.WithDescription("Listener notification passes"),
	)
	if err != nil {
		return err
	}

	o.evaluations, err = o.meter.Int64Counter(
		"flagsync.evaluations",
		metric.WithDescription("Flag evaluations through convenience accessors"),
	)
	if err != nil {
		return err
	}

	o.cacheHits, err = o.meter.Int64Counter(
		"flagsync.cache.hits",
		metric.WithDescription("Evaluation cache hits"),
	)
	if err != nil {
		return err
	}

	o.cacheMisses, err = o.meter.Int64Counter(
		"flagsync.cache.misses",
		metric.WithDescription("Evaluation cache misses"),
	)
	if err != nil {
		return err
	}

	o.circuitState, err = o.meter.Int64ObservableGauge(
		"flagsync.circuit.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(o.currentCircuitState.Load())
			return nil
		}),
	)
	return err
}

func circuitStateValue(state string) int64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

func (o *OTelProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	config := &SpanConfig{}
	for _, opt := range opts {
		opt(config)
	}

	ctx, span := o.tracer.Start(ctx, name, trace.WithAttributes(convertAttributes(config.Attributes)...))
	return ctx, &OTelSpan{span: span}
}

func convertAttributes(attrs []Attribute) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		out[i] = convertAttribute(attr)
	}
	return out
}

func convertAttribute(attr Attribute) attribute.KeyValue {
	switch v := attr.Value.(type) {
	case string:
		return attribute.String(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int64:
		return attribute.Int64(attr.Key, v)
	case bool:
		return attribute.Bool(attr.Key, v)
	case float64:
		return attribute.Float64(attr.Key, v)
	default:
		return attribute.String(attr.Key, "")
	}
}

func (o *OTelProvider) RecordConstruction(ctx context.Context, success bool, duration time.Duration) {
	o.constructions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

func (o *OTelProvider) RecordRefresh(ctx context.Context, outcome RefreshOutcome, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	o.refreshes.Add(ctx, 1, attrs)
	if outcome != RefreshSkipped {
		o.refreshDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	}
}

func (o *OTelProvider) RecordNotification(ctx context.Context, listeners int) {
	o.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("listeners", listeners),
	))
}

func (o *OTelProvider) RecordEvaluation(ctx context.Context, flagKey, kind string, fallback bool) {
	o.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flag.key", flagKey),
		attribute.String("kind", kind),
		attribute.Bool("fallback", fallback),
	))
}

func (o *OTelProvider) RecordCacheHit(ctx context.Context, kind string) {
	o.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (o *OTelProvider) RecordCacheMiss(ctx context.Context, kind string) {
	o.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (o *OTelProvider) RecordCircuitState(ctx context.Context, state string) {
	o.currentCircuitState.Store(circuitStateValue(state))
}

// Shutdown is a no-op; SDK providers are owned by the caller.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	return nil
}

// OTelSpan wraps an OpenTelemetry span
type OTelSpan struct {
	span trace.Span
}

func (s *OTelSpan) End() {
	s.span.End()
}

func (s *OTelSpan) SetAttributes(attrs ...Attribute) {
	s.span.SetAttributes(convertAttributes(attrs)...)
}

func (s *OTelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

func (s *OTelSpan) AddEvent(name string, attrs ...Attribute) {
	s.span.AddEvent(name, trace.WithAttributes(convertAttributes(attrs)...))
}
