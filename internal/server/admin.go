// Package server exposes a mounted provider over HTTP for operators.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
	"github.com/OrlandoBitencourt/flagsync/internal/flipt"
	"github.com/OrlandoBitencourt/flagsync/internal/store"
	"github.com/OrlandoBitencourt/flagsync/internal/telemetry"
	"github.com/OrlandoBitencourt/flagsync/pkg/circuit"
)

// Backend is what the admin server needs from a store.
type Backend interface {
	State() store.State
	Stats() store.Stats
	RefreshNow(ctx context.Context) (bool, error)
}

type cacheReporter interface {
	CacheStats() flipt.CacheStats
}

type breakerReporter interface {
	BreakerStats() circuit.Stats
}

type unwrapper interface {
	Unwrap() domain.Handle
}

// AdminServer provides admin HTTP endpoints
type AdminServer struct {
	backend Backend
	log     *log.Entry
	tel     telemetry.Provider
	secret  string
	webhook bool

	server *http.Server
}

type Option func(*AdminServer)

func WithLogger(logger *log.Entry) Option {
	return func(a *AdminServer) { a.log = logger }
}

func WithTelemetry(provider telemetry.Provider) Option {
	return func(a *AdminServer) { a.tel = provider }
}

// WithWebhook mounts POST /webhook. An empty secret disables signature checks.
func WithWebhook(secret string) Option {
	return func(a *AdminServer) {
		a.webhook = true
		a.secret = secret
	}
}

// NewAdminServer creates a new admin server listening on addr.
func NewAdminServer(backend Backend, addr string, opts ...Option) *AdminServer {
	a := &AdminServer{
		backend: backend,
		log:     log.NewEntry(log.StandardLogger()),
		tel:     telemetry.NewNoOp(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

// Handler returns the routed endpoints wrapped in the identity middleware.
func (a *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", a.handleHealth)

	mux.HandleFunc("/admin/stats", a.handleStats)
	mux.HandleFunc("/admin/flags", a.handleFlags)
	mux.HandleFunc("/admin/refresh", a.handleRefresh)
	mux.HandleFunc("/admin/evaluate/boolean", a.handleEvaluateBoolean)
	mux.HandleFunc("/admin/evaluate/variant", a.handleEvaluateVariant)

	if a.webhook {
		mux.Handle("/webhook", NewWebhookHandler(a.backend, a.secret, a.log))
	}

	return NewMiddleware().Handler(mux)
}

// Start blocks serving until Shutdown is called.
func (a *AdminServer) Start() error {
	a.log.WithField("addr", a.server.Addr).Info("admin server listening")
	return a.server.ListenAndServe()
}

func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := a.backend.State()

	status, code := "healthy", http.StatusOK
	switch {
	case st.Err != nil:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case st.IsLoading:
		status, code = "loading", http.StatusServiceUnavailable
	case st.Handle == nil:
		status, code = "closed", http.StatusServiceUnavailable
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if st.Err != nil {
		health["error"] = st.Err.Error()
	}
	if br, ok := reporter[breakerReporter](st.Handle); ok {
		breaker := br.BreakerStats()
		health["circuit"] = breaker.State.String()
		if breaker.State != circuit.StateClosed && status == "healthy" {
			health["status"] = "degraded"
		}
	}

	writeJSON(w, code, health)
}

type breakerView struct {
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	TotalRequests   int64     `json:"total_requests"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	LastStateChange time.Time `json:"last_state_change"`
}

type statsResponse struct {
	Store   store.Stats       `json:"store"`
	Cache   *flipt.CacheStats `json:"cache,omitempty"`
	Breaker *breakerView      `json:"breaker,omitempty"`
}

func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := statsResponse{Store: a.backend.Stats()}
	handle := a.backend.State().Handle
	if cr, ok := reporter[cacheReporter](handle); ok {
		cs := cr.CacheStats()
		resp.Cache = &cs
	}
	if br, ok := reporter[breakerReporter](handle); ok {
		bs := br.BreakerStats()
		resp.Breaker = &breakerView{
			State:           bs.State.String(),
			Failures:        bs.Failures,
			TotalRequests:   bs.TotalRequests,
			TotalFailures:   bs.TotalFailures,
			TotalRejections: bs.TotalRejections,
			LastStateChange: bs.LastStateChange,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// reporter finds an optional diagnostics interface on h or the handle it wraps.
func reporter[T any](h domain.Handle) (T, bool) {
	var zero T
	if h == nil {
		return zero, false
	}
	if r, ok := h.(T); ok {
		return r, true
	}
	if u, ok := h.(unwrapper); ok {
		if r, ok := u.Unwrap().(T); ok {
			return r, true
		}
	}
	return zero, false
}

func (a *AdminServer) readyHandle(w http.ResponseWriter) (domain.Handle, bool) {
	st := a.backend.State()
	if !st.Ready() {
		writeError(w, http.StatusServiceUnavailable, "evaluation handle not ready")
		return nil, false
	}
	return st.Handle, true
}

func (a *AdminServer) handleFlags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	handle, ok := a.readyHandle(w)
	if !ok {
		return
	}

	flags, err := handle.ListFlags(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flags": flags, "count": len(flags)})
}

func (a *AdminServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tel.StartSpan(r.Context(), "admin.refresh")
	defer span.End()

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	changed, err := a.backend.RefreshNow(ctx)
	if err != nil && !domain.IsHashReadError(err) {
		span.RecordError(err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "changed": changed})
}

type evaluateRequest struct {
	FlagKey  string            `json:"flag_key"`
	EntityID string            `json:"entity_id"`
	Context  map[string]string `json:"context"`
}

func (a *AdminServer) decodeEvaluation(w http.ResponseWriter, r *http.Request) (domain.EvaluationRequest, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return domain.EvaluationRequest{}, false
	}

	var body evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return domain.EvaluationRequest{}, false
	}

	// Identity headers fill whatever the body leaves out.
	if id, ok := IdentityFromContext(r.Context()); ok {
		if body.EntityID == "" {
			body.EntityID = id.EntityID
		}
		if len(body.Context) == 0 {
			body.Context = id.Context
		}
	}
	return domain.NewEvaluationRequest(body.FlagKey, body.EntityID, body.Context), true
}

func (a *AdminServer) handleEvaluateBoolean(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeEvaluation(w, r)
	if !ok {
		return
	}
	handle, ok := a.readyHandle(w)
	if !ok {
		return
	}

	resp, err := handle.EvaluateBoolean(r.Context(), req)
	if err != nil {
		a.log.WithError(err).WithField("flag_key", req.FlagKey).Debug("admin boolean evaluation failed")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *AdminServer) handleEvaluateVariant(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeEvaluation(w, r)
	if !ok {
		return
	}
	handle, ok := a.readyHandle(w)
	if !ok {
		return
	}

	resp, err := handle.EvaluateVariant(r.Context(), req)
	if err != nil {
		a.log.WithError(err).WithField("flag_key", req.FlagKey).Debug("admin variant evaluation failed")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case domain.IsValidationError(err), flipt.IsKind(err, flipt.KindInvalidRequest):
		return http.StatusBadRequest
	case flipt.IsKind(err, flipt.KindUnknownFlag):
		return http.StatusNotFound
	case errors.Is(err, store.ErrRefreshInFlight):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotAttached), errors.Is(err, store.ErrNotReady),
		errors.Is(err, domain.ErrHandleClosed), circuit.IsOpen(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
