package store

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
)

// leasedHandle guards a handle against use after close. Every call holds a
// lease for its duration; Close waits for no one and instead hands the
// actual close to whichever call releases the last lease.
type leasedHandle struct {
	inner domain.Handle
	log   *log.Entry

	mu      sync.Mutex
	active  int
	closing bool
	once    sync.Once
}

var _ domain.Handle = (*leasedHandle)(nil)

func newLeasedHandle(inner domain.Handle, logger *log.Entry) *leasedHandle {
	return &leasedHandle{inner: inner, log: logger}
}

func (h *leasedHandle) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active++
	return true
}

func (h *leasedHandle) release() {
	h.mu.Lock()
	h.active--
	last := h.closing && h.active == 0
	h.mu.Unlock()

	if last {
		if err := h.closeInner(); err != nil {
			h.log.WithError(err).Warn("deferred handle close failed")
		}
	}
}

func (h *leasedHandle) closeInner() error {
	var err error
	h.once.Do(func() { err = h.inner.Close() })
	return err
}

// Close marks the handle closed. The inner handle is closed now if idle,
// otherwise when the last in-flight call returns.
func (h *leasedHandle) Close() error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	idle := h.active == 0
	h.mu.Unlock()

	if idle {
		return h.closeInner()
	}
	return nil
}

func (h *leasedHandle) EvaluateBoolean(ctx context.Context, req domain.EvaluationRequest) (*domain.BooleanEvaluationResponse, error) {
	if !h.acquire() {
		return nil, domain.ErrHandleClosed
	}
	defer h.release()
	return h.inner.EvaluateBoolean(ctx, req)
}

func (h *leasedHandle) EvaluateVariant(ctx context.Context, req domain.EvaluationRequest) (*domain.VariantEvaluationResponse, error) {
	if !h.acquire() {
		return nil, domain.ErrHandleClosed
	}
	defer h.release()
	return h.inner.EvaluateVariant(ctx, req)
}

func (h *leasedHandle) EvaluateBatch(ctx context.Context, reqs []domain.EvaluationRequest) (*domain.BatchEvaluationResponse, error) {
	if !h.acquire() {
		return nil, domain.ErrHandleClosed
	}
	defer h.release()
	return h.inner.EvaluateBatch(ctx, reqs)
}

func (h *leasedHandle) ListFlags(ctx context.Context) ([]domain.Flag, error) {
	if !h.acquire() {
		return nil, domain.ErrHandleClosed
	}
	defer h.release()
	return h.inner.ListFlags(ctx)
}

func (h *leasedHandle) SnapshotHash(ctx context.Context) (string, error) {
	if !h.acquire() {
		return "", domain.ErrHandleClosed
	}
	defer h.release()
	return h.inner.SnapshotHash(ctx)
}

func (h *leasedHandle) Refresh(ctx context.Context, previousHash string) (bool, error) {
	if !h.acquire() {
		return false, domain.ErrHandleClosed
	}
	defer h.release()
	return h.inner.Refresh(ctx, previousHash)
}

// Unwrap exposes the guarded handle for diagnostics.
func (h *leasedHandle) Unwrap() domain.Handle {
	return h.inner
}
