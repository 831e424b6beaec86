package flagsync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/OrlandoBitencourt/flagsync/internal/flipt"
)

// MockFliptServer is a mock Flipt HTTP server for testing
type MockFliptServer struct {
	*httptest.Server

	mu       sync.RWMutex
	version  int
	booleans map[string]bool
	variants map[string]string

	snapshotCalls atomic.Int64
	lastAuth      atomic.Value
}

// NewMockFliptServer creates a new mock Flipt server
func NewMockFliptServer(t *testing.T) *MockFliptServer {
	t.Helper()
	mock := &MockFliptServer{
		version:  1,
		booleans: make(map[string]bool),
		variants: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/client/v2/environments/", mock.handleSnapshot)
	mux.HandleFunc("/evaluate/v1/boolean", mock.handleBoolean)
	mux.HandleFunc("/evaluate/v1/variant", mock.handleVariant)

	mock.Server = httptest.NewServer(mux)
	t.Cleanup(mock.Close)
	return mock
}

// SetBoolean adds or updates a boolean flag and bumps the snapshot version.
func (m *MockFliptServer) SetBoolean(key string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.booleans[key] = enabled
	m.version++
}

// SetVariant adds or updates a variant flag and bumps the snapshot version.
func (m *MockFliptServer) SetVariant(key, variant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants[key] = variant
	m.version++
}

func (m *MockFliptServer) etag() string {
	return fmt.Sprintf(`"v%d"`, m.version)
}

func (m *MockFliptServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/snapshot") {
		http.NotFound(w, r)
		return
	}
	m.snapshotCalls.Add(1)
	m.lastAuth.Store(r.Header.Get("Authorization"))

	m.mu.RLock()
	defer m.mu.RUnlock()

	etag := m.etag()
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	flags := []map[string]interface{}{}
	for key := range m.booleans {
		flags = append(flags, map[string]interface{}{"key": key, "enabled": true, "type": "BOOLEAN_FLAG_TYPE"})
	}
	for key := range m.variants {
		flags = append(flags, map[string]interface{}{"key": key, "enabled": true, "type": "VARIANT_FLAG_TYPE"})
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"namespace": map[string]string{"key": "default"},
		"flags":     flags,
	})
}

type mockEvalRequest struct {
	FlagKey  string            `json:"flagKey"`
	EntityID string            `json:"entityId"`
	Context  map[string]string `json:"context"`
}

func (m *MockFliptServer) decode(w http.ResponseWriter, r *http.Request) (mockEvalRequest, bool) {
	var req mockEvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (m *MockFliptServer) handleBoolean(w http.ResponseWriter, r *http.Request) {
	req, ok := m.decode(w, r)
	if !ok {
		return
	}
	m.mu.RLock()
	enabled, found := m.booleans[req.FlagKey]
	m.mu.RUnlock()
	if !found {
		http.Error(w, "flag not found", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"enabled": enabled,
		"flagKey": req.FlagKey,
		"reason":  "MATCH_EVALUATION_REASON",
	})
}

func (m *MockFliptServer) handleVariant(w http.ResponseWriter, r *http.Request) {
	req, ok := m.decode(w, r)
	if !ok {
		return
	}
	m.mu.RLock()
	variant, found := m.variants[req.FlagKey]
	m.mu.RUnlock()
	if !found {
		http.Error(w, "flag not found", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"match":      true,
		"flagKey":    req.FlagKey,
		"variantKey": variant,
		"reason":     "MATCH_EVALUATION_REASON",
	})
}

func nullLogger() *log.Entry {
	logger, _ := logtest.NewNullLogger()
	return log.NewEntry(logger)
}

// newMockProvider builds a provider over a MockHandle with a fake clock.
func newMockProvider(t *testing.T, mock *flipt.MockHandle, opts ...Option) (*Provider, *clockz.FakeClock) {
	t.Helper()
	clock := clockz.NewFakeClock()
	base := []Option{
		WithHandleFactory(flipt.MockFactory(mock)),
		WithClock(clock),
		WithLogger(nullLogger()),
		WithUpdateInterval(30),
	}
	p, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Unmount() })
	return p, clock
}

func mountAndWait(t *testing.T, p *Provider) {
	t.Helper()
	require.NoError(t, p.Mount(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.WaitReady(ctx))
}
