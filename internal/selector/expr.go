package selector

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
	"github.com/OrlandoBitencourt/flagsync/internal/store"
)

// Expression compiles src into a projection. The expression sees the store
// status as loading, failed and ready, and can evaluate flags with
// enabled(flag, entity), enabledWith(flag, entity, attrs), variant(flag, entity)
// and variantWith(flag, entity, attrs). Evaluation helpers return false or ""
// when the handle is unusable or the evaluation fails.
//
//	ready && enabled("new-checkout", user) ? variant("theme", user) : "classic"
func Expression(src string) (Projection[any], error) {
	program, err := expr.Compile(src, expr.Env(exprEnv(context.Background(), store.State{})))
	if err != nil {
		return nil, fmt.Errorf("failed to compile selector expression: %w", err)
	}

	return func(ctx context.Context, st store.State) (any, error) {
		out, err := expr.Run(program, exprEnv(ctx, st))
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate selector expression: %w", err)
		}
		return out, nil
	}, nil
}

func exprEnv(ctx context.Context, st store.State) map[string]any {
	enabledWith := func(flag, entity string, attrs map[string]any) bool {
		if !st.Ready() {
			return false
		}
		resp, err := st.Handle.EvaluateBoolean(ctx, domain.NewEvaluationRequest(flag, entity, stringify(attrs)))
		if err != nil {
			return false
		}
		return resp.Enabled
	}
	variantWith := func(flag, entity string, attrs map[string]any) string {
		if !st.Ready() {
			return ""
		}
		resp, err := st.Handle.EvaluateVariant(ctx, domain.NewEvaluationRequest(flag, entity, stringify(attrs)))
		if err != nil {
			return ""
		}
		return resp.VariantKey
	}

	return map[string]any{
		"loading": st.IsLoading,
		"failed":  st.Err != nil,
		"ready":   st.Ready(),
		"enabled": func(flag, entity string) bool {
			return enabledWith(flag, entity, nil)
		},
		"enabledWith": enabledWith,
		"variant": func(flag, entity string) string {
			return variantWith(flag, entity, nil)
		},
		"variantWith": variantWith,
	}
}

// stringify flattens expression attributes into an evaluation context.
func stringify(attrs map[string]any) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = fmt.Sprint(v)
	}
	return out
}
