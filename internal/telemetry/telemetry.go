package telemetry

import (
	"context"
	"time"
)

// RefreshOutcome labels one poll tick or manual refresh.
type RefreshOutcome string

const (
	RefreshChanged    RefreshOutcome = "changed"
	RefreshUnchanged  RefreshOutcome = "unchanged"
	RefreshFailed     RefreshOutcome = "failed"
	RefreshHashFailed RefreshOutcome = "hash_failed"
	RefreshSkipped    RefreshOutcome = "skipped"
	RefreshDiscarded  RefreshOutcome = "discarded"
)

// Provider defines the interface for telemetry providers
type Provider interface {
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)

	RecordConstruction(ctx context.Context, success bool, duration time.Duration)
	RecordRefresh(ctx context.Context, outcome RefreshOutcome, duration time.Duration)
	RecordNotification(ctx context.Context, listeners int)
	RecordEvaluation(ctx context.Context, flagKey, kind string, fallback bool)
	RecordCacheHit(ctx context.Context, kind string)
	RecordCacheMiss(ctx context.Context, kind string)
	RecordCircuitState(ctx context.Context, state string)

	Shutdown(ctx context.Context) error
}

// Span represents a trace span
type Span interface {
	End()
	SetAttributes(attrs ...Attribute)
	RecordError(err error)
	AddEvent(name string, attrs ...Attribute)
}

// SpanOption configures span creation
type SpanOption func(*SpanConfig)

type SpanConfig struct {
	Attributes []Attribute
}

// Attribute represents a key-value attribute
type Attribute struct {
	Key   string
	Value interface{}
}

func WithAttributes(attrs ...Attribute) SpanOption {
	return func(c *SpanConfig) {
		c.Attributes = append(c.Attributes, attrs...)
	}
}

func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

func Int(key string, value int) Attribute {
	return Attribute{Key: key, Value: value}
}

func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}
