package flipt

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
)

// MockHandle is a scriptable domain.Handle for tests. Unset funcs fall back
// to an in-memory snapshot: Refresh reports a change whenever Hash differs
// from the previous hash, and evaluations read Booleans and Variants.
type MockHandle struct {
	mu sync.RWMutex

	hash     string
	flags    []domain.Flag
	booleans map[string]bool
	variants map[string]string

	EvaluateBooleanFunc func(ctx context.Context, req domain.EvaluationRequest) (*domain.BooleanEvaluationResponse, error)
	EvaluateVariantFunc func(ctx context.Context, req domain.EvaluationRequest) (*domain.VariantEvaluationResponse, error)
	EvaluateBatchFunc   func(ctx context.Context, reqs []domain.EvaluationRequest) (*domain.BatchEvaluationResponse, error)
	ListFlagsFunc       func(ctx context.Context) ([]domain.Flag, error)
	SnapshotHashFunc    func(ctx context.Context) (string, error)
	RefreshFunc         func(ctx context.Context, previousHash string) (bool, error)
	CloseFunc           func() error

	EvaluateCalls     atomic.Int64
	SnapshotHashCalls atomic.Int64
	RefreshCalls      atomic.Int64
	CloseCalls        atomic.Int64
}

var _ domain.Handle = (*MockHandle)(nil)

func NewMockHandle(hash string) *MockHandle {
	return &MockHandle{
		hash:     hash,
		booleans: make(map[string]bool),
		variants: make(map[string]string),
	}
}

// SetHash replaces the snapshot hash the mock reports.
func (m *MockHandle) SetHash(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hash = hash
}

func (m *MockHandle) SetBoolean(flagKey string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.booleans[flagKey] = enabled
	m.flags = upsertFlag(m.flags, domain.Flag{Key: flagKey, Enabled: true, Type: domain.FlagTypeBoolean})
}

func (m *MockHandle) SetVariant(flagKey, variantKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants[flagKey] = variantKey
	m.flags = upsertFlag(m.flags, domain.Flag{Key: flagKey, Enabled: true, Type: domain.FlagTypeVariant})
}

func upsertFlag(flags []domain.Flag, flag domain.Flag) []domain.Flag {
	for i := range flags {
		if flags[i].Key == flag.Key {
			flags[i] = flag
			return flags
		}
	}
	return append(flags, flag)
}

func (m *MockHandle) EvaluateBoolean(ctx context.Context, req domain.EvaluationRequest) (*domain.BooleanEvaluationResponse, error) {
	m.EvaluateCalls.Add(1)
	if m.EvaluateBooleanFunc != nil {
		return m.EvaluateBooleanFunc(ctx, req)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	enabled, ok := m.booleans[req.FlagKey]
	if !ok {
		return nil, domain.NewEvaluationError(req.FlagKey, "flag not found", &APIError{StatusCode: 404, Kind: KindUnknownFlag, Message: "flag not found"})
	}
	reason := domain.ReasonMatch
	if !enabled {
		reason = domain.ReasonDefault
	}
	return &domain.BooleanEvaluationResponse{Enabled: enabled, FlagKey: req.FlagKey, Reason: reason}, nil
}

func (m *MockHandle) EvaluateVariant(ctx context.Context, req domain.EvaluationRequest) (*domain.VariantEvaluationResponse, error) {
	m.EvaluateCalls.Add(1)
	if m.EvaluateVariantFunc != nil {
		return m.EvaluateVariantFunc(ctx, req)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	variant, ok := m.variants[req.FlagKey]
	if !ok {
		return nil, domain.NewEvaluationError(req.FlagKey, "flag not found", &APIError{StatusCode: 404, Kind: KindUnknownFlag, Message: "flag not found"})
	}
	return &domain.VariantEvaluationResponse{
		Match:       true,
		SegmentKeys: []string{},
		Reason:      domain.ReasonMatch,
		FlagKey:     req.FlagKey,
		VariantKey:  variant,
	}, nil
}

func (m *MockHandle) EvaluateBatch(ctx context.Context, reqs []domain.EvaluationRequest) (*domain.BatchEvaluationResponse, error) {
	if m.EvaluateBatchFunc != nil {
		m.EvaluateCalls.Add(1)
		return m.EvaluateBatchFunc(ctx, reqs)
	}

	out := &domain.BatchEvaluationResponse{Responses: make([]domain.EvaluationResponse, len(reqs))}
	for i, req := range reqs {
		m.mu.RLock()
		_, isVariant := m.variants[req.FlagKey]
		m.mu.RUnlock()

		if isVariant {
			resp, err := m.EvaluateVariant(ctx, req)
			if err != nil {
				out.Responses[i] = errorEntry(req.FlagKey, domain.DefaultNamespace, err.Error())
				continue
			}
			out.Responses[i] = domain.EvaluationResponse{Type: domain.ResponseTypeVariant, Variant: resp}
			continue
		}

		resp, err := m.EvaluateBoolean(ctx, req)
		if err != nil {
			out.Responses[i] = errorEntry(req.FlagKey, domain.DefaultNamespace, err.Error())
			continue
		}
		out.Responses[i] = domain.EvaluationResponse{Type: domain.ResponseTypeBoolean, Boolean: resp}
	}
	return out, nil
}

func (m *MockHandle) ListFlags(ctx context.Context) ([]domain.Flag, error) {
	if m.ListFlagsFunc != nil {
		return m.ListFlagsFunc(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Flag(nil), m.flags...), nil
}

func (m *MockHandle) SnapshotHash(ctx context.Context) (string, error) {
	m.SnapshotHashCalls.Add(1)
	if m.SnapshotHashFunc != nil {
		return m.SnapshotHashFunc(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hash, nil
}

func (m *MockHandle) Refresh(ctx context.Context, previousHash string) (bool, error) {
	m.RefreshCalls.Add(1)
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, previousHash)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hash != previousHash, nil
}

func (m *MockHandle) Close() error {
	m.CloseCalls.Add(1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// MockFactory returns a factory that always yields h.
func MockFactory(h domain.Handle) domain.HandleFactory {
	return func(context.Context, domain.ClientConfig) (domain.Handle, error) {
		return h, nil
	}
}
