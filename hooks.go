package flagsync

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
	"github.com/OrlandoBitencourt/flagsync/internal/selector"
)

// UseClient returns the provider's current client state.
func UseClient(p *Provider) ClientState {
	return p.Client()
}

// UseSelector memoizes fn over the provider's state. fn runs again only on
// the first Get after a notification. Evaluation errors are returned from
// Get as is; Close the selector when done.
func UseSelector[T any](p *Provider, fn Projection[T]) *Selector[T] {
	return selector.New(p.store, fn)
}

// UseExpression compiles an expr-lang expression into a selector. See
// selector.Expression for the available variables and functions.
func UseExpression(p *Provider, src string) (*Selector[any], error) {
	proj, err := selector.Expression(src)
	if err != nil {
		return nil, err
	}
	return selector.New(p.store, proj), nil
}

// Value is a flag value with a mandatory fallback. Get never fails.
type Value[T any] struct {
	sel *selector.Selector[T]
}

// Get returns the evaluated value, or the fallback while the client is
// loading, after a construction error, or when evaluation fails.
func (v *Value[T]) Get(ctx context.Context) T {
	out, _ := v.sel.Get(ctx)
	return out
}

// Updates signals that Get may return a new value.
func (v *Value[T]) Updates() <-chan struct{} {
	return v.sel.Updates()
}

func (v *Value[T]) Close() {
	v.sel.Close()
}

// UseBoolean evaluates a boolean flag for entityID, falling back to fallback.
//
// Example:
//
//	checkout := flagsync.UseBoolean(p, "new-checkout", false, userID, map[string]string{"plan": "pro"})
//	defer checkout.Close()
//	if checkout.Get(ctx) { ... }
func UseBoolean(p *Provider, flagKey string, fallback bool, entityID string, attrs map[string]string) *Value[bool] {
	req := domain.NewEvaluationRequest(flagKey, entityID, attrs)
	return &Value[bool]{sel: selector.New(p.store, withFallback(p, "boolean", req, fallback,
		func(ctx context.Context, h Handle) (bool, error) {
			resp, err := h.EvaluateBoolean(ctx, req)
			if err != nil {
				return false, err
			}
			return resp.Enabled, nil
		}))}
}

// UseVariant evaluates a variant flag for entityID, falling back to fallback.
func UseVariant(p *Provider, flagKey string, fallback string, entityID string, attrs map[string]string) *Value[string] {
	req := domain.NewEvaluationRequest(flagKey, entityID, attrs)
	return &Value[string]{sel: selector.New(p.store, withFallback(p, "variant", req, fallback,
		func(ctx context.Context, h Handle) (string, error) {
			resp, err := h.EvaluateVariant(ctx, req)
			if err != nil {
				return "", err
			}
			return resp.VariantKey, nil
		}))}
}

func withFallback[T any](p *Provider, kind string, req EvaluationRequest, fallback T, eval func(context.Context, Handle) (T, error)) Projection[T] {
	return func(ctx context.Context, st ClientState) (T, error) {
		entry := p.log.WithFields(log.Fields{"flag_key": req.FlagKey, "kind": kind})

		if !st.Ready() {
			entry.WithFields(log.Fields{"loading": st.IsLoading, "failed": st.Err != nil}).Debug("client not ready, using fallback")
			p.tel.RecordEvaluation(ctx, req.FlagKey, kind, true)
			return fallback, nil
		}

		out, err := safeEval(ctx, st.Handle, eval)
		if err != nil {
			entry.WithError(err).Debug("evaluation failed, using fallback")
			p.tel.RecordEvaluation(ctx, req.FlagKey, kind, true)
			return fallback, nil
		}

		p.tel.RecordEvaluation(ctx, req.FlagKey, kind, false)
		return out, nil
	}
}

func safeEval[T any](ctx context.Context, h Handle, eval func(context.Context, Handle) (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation panicked: %v", r)
		}
	}()
	return eval(ctx, h)
}
