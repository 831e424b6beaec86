// Package flagsync keeps a Flipt evaluation client fresh in the background
// and exposes it through subscribe/notify and memoized selectors.
package flagsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/OrlandoBitencourt/flagsync/internal/server"
	"github.com/OrlandoBitencourt/flagsync/internal/store"
	"github.com/OrlandoBitencourt/flagsync/internal/telemetry"
)

const adminShutdownTimeout = 5 * time.Second

// Provider owns one store for its lifetime. It is mounted once and unmounted
// once; a new configuration needs a new Provider.
type Provider struct {
	store *store.Store
	log   *log.Entry
	tel   telemetry.Provider

	adminEnabled  bool
	adminAddr     string
	webhook       bool
	webhookSecret string

	mu        sync.Mutex
	mounted   bool
	unmounted bool
	admin     *server.AdminServer
	ready     chan struct{}
	adminDone chan struct{}
}

// New creates a provider with the given options. Nothing is fetched until
// Mount.
//
// Example:
//
//	p, err := flagsync.New(
//	    flagsync.WithURL("http://localhost:8080"),
//	    flagsync.WithNamespace("checkout"),
//	    flagsync.WithClientToken(os.Getenv("FLIPT_CLIENT_TOKEN")),
//	)
func New(opts ...Option) (*Provider, error) {
	cfg := defaultProviderConfig()

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	clientCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	s := store.New(clientCfg, cfg.handleFactory(),
		store.WithClock(cfg.clock),
		store.WithLogger(cfg.logger),
		store.WithTelemetry(cfg.tel),
	)

	return &Provider{
		store:         s,
		log:           cfg.logger.WithField("store_id", s.ID()),
		tel:           cfg.tel,
		adminEnabled:  cfg.adminEnabled,
		adminAddr:     cfg.adminAddr,
		webhook:       cfg.webhook,
		webhookSecret: cfg.webhookSecret,
		ready:         make(chan struct{}),
	}, nil
}

// Mount attaches the store and starts building the handle in the
// background. It returns immediately; use Ready or WaitReady to wait.
// Cancelling ctx does not abort construction; Unmount does.
func (p *Provider) Mount(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unmounted {
		return ErrUnmounted
	}
	if p.mounted {
		return ErrAlreadyMounted
	}
	p.mounted = true

	cfg := p.store.Config()
	if cfg.FetchMode == FetchModeStreaming {
		p.log.Info("streaming fetch mode is delegated to the handle; the provider keeps polling")
	}

	p.store.Attach()
	done := p.store.Construct(context.WithoutCancel(ctx))
	go func() {
		<-done
		close(p.ready)
	}()

	if p.adminEnabled {
		p.startAdminServer()
	}
	return nil
}

// Unmount tears the store down, closing the handle exactly once, and stops
// the admin server. It is safe to call more than once.
func (p *Provider) Unmount() error {
	p.mu.Lock()
	if p.unmounted {
		p.mu.Unlock()
		return nil
	}
	p.unmounted = true
	admin, adminDone := p.admin, p.adminDone
	p.mu.Unlock()

	p.store.Teardown()

	if admin == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
	defer cancel()
	err := admin.Shutdown(ctx)
	<-adminDone
	return err
}

// Ready is closed once handle construction finished, successfully or not.
func (p *Provider) Ready() <-chan struct{} {
	return p.ready
}

// WaitReady blocks until construction finished and returns its error.
func (p *Provider) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return p.store.State().Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach resumes polling after Detach.
func (p *Provider) Attach() { p.store.Attach() }

// Detach pauses polling without closing the handle.
func (p *Provider) Detach() { p.store.Detach() }

// Subscribe registers fn to run after every state change and returns its
// unsubscribe function.
func (p *Provider) Subscribe(fn func()) func() {
	return p.store.Subscribe(fn)
}

// Client returns the current state. Reads between two notifications are
// equal.
func (p *Provider) Client() ClientState {
	return p.store.State()
}

// RefreshNow checks for a new snapshot outside the poll schedule.
func (p *Provider) RefreshNow(ctx context.Context) (bool, error) {
	return p.store.RefreshNow(ctx)
}

func (p *Provider) Stats() Stats {
	return p.store.Stats()
}

func (p *Provider) Config() ClientConfig {
	return p.store.Config()
}

// Store exposes the underlying store to in-module tooling.
func (p *Provider) Store() *store.Store {
	return p.store
}

// EvaluateBatch evaluates several flags for one context in a single call.
// The result holds one entry per key, in order; a failing flag yields an
// error entry and does not affect the others.
func (p *Provider) EvaluateBatch(ctx context.Context, evalCtx Context, flagKeys ...string) (*BatchEvaluationResponse, error) {
	st := p.store.State()
	if !st.Ready() {
		if st.Err != nil {
			return nil, st.Err
		}
		return nil, ErrNotReady
	}

	reqs := make([]EvaluationRequest, len(flagKeys))
	for i, key := range flagKeys {
		reqs[i] = evalCtx.request(key)
	}
	return st.Handle.EvaluateBatch(ctx, reqs)
}

// HTTPMiddleware derives an evaluation identity from each request: the
// X-Entity-ID header (or entity_id cookie) and X-Flag-Ctx-* headers. Read it
// back with IdentityFromRequest.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	return server.NewMiddleware().Handler(next)
}

// IdentityFromRequest returns the evaluation context HTTPMiddleware attached.
func IdentityFromRequest(r *http.Request) (Context, bool) {
	id, ok := server.IdentityFromContext(r.Context())
	if !ok {
		return Context{}, false
	}
	return Context{EntityID: id.EntityID, Attributes: id.Context}, true
}
