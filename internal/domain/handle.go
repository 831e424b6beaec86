package domain

import "context"

// Handle is the evaluation engine a store owns. Implementations must be
// safe for concurrent use; Close is called at most once by the store.
type Handle interface {
	EvaluateBoolean(ctx context.Context, req EvaluationRequest) (*BooleanEvaluationResponse, error)
	EvaluateVariant(ctx context.Context, req EvaluationRequest) (*VariantEvaluationResponse, error)
	EvaluateBatch(ctx context.Context, reqs []EvaluationRequest) (*BatchEvaluationResponse, error)
	ListFlags(ctx context.Context) ([]Flag, error)

	// SnapshotHash identifies the currently held snapshot.
	SnapshotHash(ctx context.Context) (string, error)

	// Refresh fetches upstream state and reports whether it differs from
	// previousHash. An empty previousHash means no hash is known.
	Refresh(ctx context.Context, previousHash string) (bool, error)

	Close() error
}

// HandleFactory builds a Handle for a configuration.
type HandleFactory func(ctx context.Context, cfg ClientConfig) (Handle, error)
