package server

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const contextKeyIdentity contextKey = "flagsync_identity"

const (
	HeaderEntityID      = "X-Entity-ID"
	HeaderContextPrefix = "X-Flag-Ctx-"
	CookieEntityID      = "entity_id"
)

// Identity is the evaluation subject extracted from an HTTP request.
type Identity struct {
	EntityID string
	Context  map[string]string
}

// Middleware derives an evaluation identity from each request.
type Middleware struct{}

func NewMiddleware() *Middleware {
	return &Middleware{}
}

// Handler wraps an HTTP handler with the request's evaluation identity
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(m.buildContext(r)))
	})
}

func (m *Middleware) buildContext(r *http.Request) context.Context {
	entityID := r.Header.Get(HeaderEntityID)
	if entityID == "" {
		if cookie, err := r.Cookie(CookieEntityID); err == nil {
			entityID = cookie.Value
		}
	}

	attrs := make(map[string]string)
	for key, values := range r.Header {
		if len(values) == 0 || len(key) <= len(HeaderContextPrefix) {
			continue
		}
		if strings.EqualFold(key[:len(HeaderContextPrefix)], HeaderContextPrefix) {
			attrs[strings.ToLower(key[len(HeaderContextPrefix):])] = values[0]
		}
	}

	if entityID == "" && len(attrs) == 0 {
		return r.Context()
	}
	return WithIdentity(r.Context(), Identity{EntityID: entityID, Context: attrs})
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, id)
}

// IdentityFromContext extracts the identity set by the middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKeyIdentity).(Identity)
	return id, ok
}
