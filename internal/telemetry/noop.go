package telemetry

import (
	"context"
	"time"
)

// NoOpProvider discards everything. It is the default when no provider is
// configured.
type NoOpProvider struct{}

func NewNoOp() *NoOpProvider {
	return &NoOpProvider{}
}

func (n *NoOpProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	return ctx, NoOpSpan{}
}

func (n *NoOpProvider) RecordConstruction(context.Context, bool, time.Duration) {}
func (n *NoOpProvider) RecordRefresh(context.Context, RefreshOutcome, time.Duration) {}
func (n *NoOpProvider) RecordNotification(context.Context, int) {}
func (n *NoOpProvider) RecordEvaluation(context.Context, string, string, bool) {}
func (n *NoOpProvider) RecordCacheHit(context.Context, string) {}
func (n *NoOpProvider) RecordCacheMiss(context.Context, string) {}
func (n *NoOpProvider) RecordCircuitState(context.Context, string) {}
func (n *NoOpProvider) Shutdown(context.Context) error { return nil }

type NoOpSpan struct{}

func (NoOpSpan) End() {}
func (NoOpSpan) SetAttributes(...Attribute) {}
func (NoOpSpan) RecordError(error) {}
func (NoOpSpan) AddEvent(string, ...Attribute) {}
