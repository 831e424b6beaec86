package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureIdentity(t *testing.T, req *http.Request) (Identity, bool) {
	t.Helper()
	var (
		got Identity
		ok  bool
	)
	h := NewMiddleware().Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = IdentityFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	return got, ok
}

func TestMiddleware_EntityFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderEntityID, "user-1")
	req.Header.Set("X-Flag-Ctx-Country", "BR")
	req.Header.Set("X-Other", "ignored")

	id, ok := captureIdentity(t, req)

	assert.True(t, ok)
	assert.Equal(t, "user-1", id.EntityID)
	assert.Equal(t, map[string]string{"country": "BR"}, id.Context)
}

func TestMiddleware_EntityFromCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieEntityID, Value: "user-2"})

	id, ok := captureIdentity(t, req)

	assert.True(t, ok)
	assert.Equal(t, "user-2", id.EntityID)
}

func TestMiddleware_NoIdentity(t *testing.T) {
	_, ok := captureIdentity(t, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
}

func TestWithIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{EntityID: "svc"})

	id, ok := IdentityFromContext(ctx)

	assert.True(t, ok)
	assert.Equal(t, "svc", id.EntityID)
}
