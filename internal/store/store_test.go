package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
	"github.com/OrlandoBitencourt/flagsync/internal/flipt"
)

const interval = 30 * time.Second

func intPtr(v int) *int { return &v }

func testConfig(seconds int) domain.ClientConfig {
	cfg := domain.DefaultClientConfig()
	cfg.UpdateInterval = intPtr(seconds)
	return cfg
}

type harness struct {
	store *Store
	clock *clockz.FakeClock
	logs  *logtest.Hook
}

func newHarness(t *testing.T, cfg domain.ClientConfig, factory domain.HandleFactory) *harness {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	clock := clockz.NewFakeClock()

	s := New(cfg, factory, WithClock(clock), WithLogger(log.NewEntry(logger)))
	t.Cleanup(s.Teardown)
	return &harness{store: s, clock: clock, logs: hook}
}

// ready attaches the store and waits for construction to complete.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.store.Attach()
	select {
	case <-h.store.Construct(context.Background()):
	case <-time.After(time.Second):
		t.Fatal("construction did not complete")
	}
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.clock.BlockUntilReady()
}

type counter struct {
	n atomic.Int64
}

func (c *counter) listener() Listener {
	return func() { c.n.Add(1) }
}

func (c *counter) count() int64 { return c.n.Load() }

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond, msg)
}

func never(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Never(t, cond, 50*time.Millisecond, 5*time.Millisecond, msg)
}

func TestStore_InitialState(t *testing.T) {
	h := newHarness(t, testConfig(30), flipt.MockFactory(flipt.NewMockHandle("h1")))

	st := h.store.State()
	assert.Nil(t, st.Handle)
	assert.True(t, st.IsLoading)
	assert.NoError(t, st.Err)
	assert.False(t, st.Ready())

	_, ok := h.store.LastSnapshotHash()
	assert.False(t, ok)
}

func TestStore_ConstructSuccessNotifiesOnce(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	var c counter
	h.store.Subscribe(c.listener())

	h.ready(t)

	st := h.store.State()
	assert.True(t, st.Ready())
	assert.False(t, st.IsLoading)
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, int64(1), c.count())

	hash, ok := h.store.LastSnapshotHash()
	assert.True(t, ok)
	assert.Equal(t, "h1", hash)

	stats := h.store.Stats()
	assert.True(t, stats.Polling)
	assert.True(t, stats.Ready)
	assert.Equal(t, interval, stats.PollInterval)
}

func TestStore_ConstructRunsOnce(t *testing.T) {
	var calls atomic.Int64
	h := newHarness(t, testConfig(30), func(ctx context.Context, cfg domain.ClientConfig) (domain.Handle, error) {
		calls.Add(1)
		return flipt.NewMockHandle("h1"), nil
	})

	first := h.store.Construct(context.Background())
	second := h.store.Construct(context.Background())
	<-first
	<-second

	assert.Equal(t, int64(1), calls.Load())
}

func TestStore_FactoryReceivesConfig(t *testing.T) {
	cfg := testConfig(30)
	cfg.Namespace = "checkout"
	cfg.Authentication = domain.ClientTokenAuthentication("secret")

	var got domain.ClientConfig
	h := newHarness(t, cfg, func(ctx context.Context, c domain.ClientConfig) (domain.Handle, error) {
		got = c
		return flipt.NewMockHandle("h1"), nil
	})
	h.ready(t)

	assert.Equal(t, "checkout", got.Namespace)
	assert.Equal(t, domain.AuthClientToken, got.Authentication.Kind())
}

func TestStore_ConstructFailureIsTerminal(t *testing.T) {
	var calls atomic.Int64
	boom := errors.New("engine unavailable")
	h := newHarness(t, testConfig(30), func(ctx context.Context, cfg domain.ClientConfig) (domain.Handle, error) {
		calls.Add(1)
		return nil, boom
	})
	var c counter
	h.store.Subscribe(c.listener())

	h.ready(t)

	st := h.store.State()
	assert.Nil(t, st.Handle)
	assert.False(t, st.IsLoading)
	require.Error(t, st.Err)
	assert.True(t, domain.IsConstructionError(st.Err))
	assert.ErrorIs(t, st.Err, boom)
	assert.Equal(t, int64(1), c.count())
	assert.False(t, h.store.Stats().Polling)

	h.advance(10 * interval)
	never(t, func() bool { return calls.Load() > 1 }, "construction is never retried")
	assert.Equal(t, int64(1), c.count())
}

func TestStore_ConstructFactoryPanics(t *testing.T) {
	h := newHarness(t, testConfig(30), func(ctx context.Context, cfg domain.ClientConfig) (domain.Handle, error) {
		panic("native library missing")
	})

	h.ready(t)

	st := h.store.State()
	require.Error(t, st.Err)
	assert.True(t, domain.IsConstructionError(st.Err))
	assert.Contains(t, st.Err.Error(), "native library missing")
}

func TestStore_ConstructNilHandle(t *testing.T) {
	h := newHarness(t, testConfig(30), func(ctx context.Context, cfg domain.ClientConfig) (domain.Handle, error) {
		return nil, nil
	})

	h.ready(t)

	assert.True(t, domain.IsConstructionError(h.store.State().Err))
}

func TestStore_InitialHashFailureIsSwallowed(t *testing.T) {
	mock := flipt.NewMockHandle("")
	mock.SnapshotHashFunc = func(context.Context) (string, error) {
		return "", errors.New("no snapshot yet")
	}
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))

	h.ready(t)

	st := h.store.State()
	assert.True(t, st.Ready())
	_, ok := h.store.LastSnapshotHash()
	assert.False(t, ok)
}

func TestStore_PollOutcomes(t *testing.T) {
	hashErr := errors.New("hash unavailable")
	refreshErr := errors.New("upstream down")

	tests := []struct {
		name        string
		changed     bool
		refreshErr  error
		hashErr     error
		wantNotify  bool
		wantHash    string
		wantHashSet bool
	}{
		{"changed", true, nil, nil, true, "h2", true},
		{"changed but hash unreadable", true, nil, hashErr, true, "h1", true},
		{"unchanged", false, nil, nil, false, "h1", true},
		{"refresh failed", false, refreshErr, nil, false, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := flipt.NewMockHandle("h1")
			var prevSeen atomic.Value
			mock.RefreshFunc = func(ctx context.Context, prev string) (bool, error) {
				prevSeen.Store(prev)
				return tt.changed, tt.refreshErr
			}
			mock.SnapshotHashFunc = func(context.Context) (string, error) {
				if mock.SnapshotHashCalls.Load() == 1 {
					return "h1", nil
				}
				if tt.hashErr != nil {
					return "", tt.hashErr
				}
				return "h2", nil
			}

			h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
			var c counter
			h.store.Subscribe(c.listener())
			h.ready(t)
			require.Equal(t, int64(1), c.count())

			h.advance(interval)
			eventually(t, func() bool { return h.store.Stats().Refreshes == 1 }, "tick did not run")

			if tt.wantNotify {
				eventually(t, func() bool { return c.count() == 2 }, "changed snapshot must notify")
			} else {
				never(t, func() bool { return c.count() != 1 }, "no notification expected")
			}

			assert.Equal(t, "h1", prevSeen.Load())
			hash, ok := h.store.LastSnapshotHash()
			assert.Equal(t, tt.wantHashSet, ok)
			assert.Equal(t, tt.wantHash, hash)
		})
	}
}

func TestStore_RefreshFailureClearsHashForNextPoll(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	var prevs []string
	var mu sync.Mutex
	mock.RefreshFunc = func(ctx context.Context, prev string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		prevs = append(prevs, prev)
		if len(prevs) == 1 {
			return false, errors.New("timeout")
		}
		return false, nil
	}
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	h.ready(t)

	h.advance(interval)
	eventually(t, func() bool { return h.store.Stats().Refreshes == 1 }, "first tick")
	h.advance(interval)
	eventually(t, func() bool { return h.store.Stats().Refreshes == 2 }, "second tick")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"h1", ""}, prevs)
	assert.Equal(t, uint64(1), h.store.Stats().RefreshFailures)

	var warned bool
	for _, entry := range h.logs.AllEntries() {
		if entry.Level == log.WarnLevel && entry.Message == "snapshot refresh failed; cleared snapshot hash" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestStore_PollsEveryInterval(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	h.ready(t)

	for i := int64(1); i <= 3; i++ {
		h.advance(interval)
		eventually(t, func() bool { return mock.RefreshCalls.Load() == i }, "tick per interval")
	}
}

func TestStore_DetachStopsRearmedTimer(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	h.ready(t)

	for i := int64(1); i <= 2; i++ {
		h.advance(interval)
		eventually(t, func() bool { return h.store.Stats().Refreshes == uint64(i) }, "tick per interval")
	}
	require.True(t, h.clock.HasWaiters(), "next tick armed")

	h.store.Detach()
	assert.False(t, h.clock.HasWaiters(), "live timer stopped")

	h.advance(5 * interval)
	never(t, func() bool { return mock.RefreshCalls.Load() > 2 }, "tick after detach")
}

func TestStore_NoTickBeforeInterval(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	h.ready(t)

	h.advance(interval - time.Second)

	never(t, func() bool { return mock.RefreshCalls.Load() > 0 }, "tick fired early")
}

func TestStore_DefaultIntervalWhenUnset(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, domain.DefaultClientConfig(), flipt.MockFactory(mock))
	h.ready(t)

	h.advance(domain.DefaultUpdateInterval - time.Second)
	never(t, func() bool { return mock.RefreshCalls.Load() > 0 }, "tick before default interval")

	h.advance(time.Second)
	eventually(t, func() bool { return mock.RefreshCalls.Load() == 1 }, "tick at default interval")
}

func TestStore_ZeroIntervalDisablesPolling(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, testConfig(0), flipt.MockFactory(mock))
	h.ready(t)

	assert.False(t, h.store.Stats().Polling)
	h.advance(time.Hour)
	never(t, func() bool { return mock.RefreshCalls.Load() > 0 }, "polling must be disabled")
}

func TestStore_NotAttachedDoesNotPoll(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))

	<-h.store.Construct(context.Background())
	h.advance(5 * interval)

	never(t, func() bool { return mock.RefreshCalls.Load() > 0 }, "detached store polled")
	assert.True(t, h.store.State().Ready())
}

func TestStore_DetachStopsPolling(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	h.ready(t)

	h.store.Detach()
	h.store.Detach()
	h.advance(5 * interval)

	never(t, func() bool { return mock.RefreshCalls.Load() > 0 }, "refresh after detach")
	assert.False(t, h.store.Stats().Polling)
	assert.Equal(t, int64(0), mock.CloseCalls.Load(), "detach never closes the handle")
}

func TestStore_ReattachResumesPolling(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	h.ready(t)

	h.store.Detach()
	h.store.Attach()
	h.store.Attach()
	h.advance(interval)

	eventually(t, func() bool { return mock.RefreshCalls.Load() == 1 }, "polling resumed")
	never(t, func() bool { return mock.RefreshCalls.Load() > 1 }, "duplicate poll loops")
}

func TestStore_InFlightGuard(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	mock.RefreshFunc = func(ctx context.Context, prev string) (bool, error) {
		once.Do(func() { close(entered) })
		<-release
		return false, nil
	}
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	h.ready(t)

	h.advance(interval)
	<-entered

	_, err := h.store.RefreshNow(context.Background())
	assert.ErrorIs(t, err, ErrRefreshInFlight)

	h.store.Detach()
	h.store.Attach()
	h.advance(interval)
	never(t, func() bool { return mock.RefreshCalls.Load() > 1 }, "overlapping refresh")

	close(release)
	eventually(t, func() bool { return h.store.Stats().Refreshes == 1 }, "in-flight result accepted after re-attach")

	changed, err := h.store.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStore_DetachDiscardsInFlightResult(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	entered := make(chan struct{})
	release := make(chan struct{})
	mock.RefreshFunc = func(ctx context.Context, prev string) (bool, error) {
		close(entered)
		<-release
		return true, nil
	}
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	var c counter
	h.store.Subscribe(c.listener())
	h.ready(t)

	h.advance(interval)
	<-entered
	h.store.Detach()
	close(release)

	never(t, func() bool { return c.count() > 1 }, "discarded result notified")
	assert.Equal(t, int64(1), mock.SnapshotHashCalls.Load(), "discarded change must not read a new hash")
	hash, _ := h.store.LastSnapshotHash()
	assert.Equal(t, "h1", hash)
}

func TestStore_TeardownClosesHandleOnce(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	h.ready(t)
	st := h.store.State()

	h.store.Teardown()
	h.store.Teardown()

	assert.Equal(t, int64(1), mock.CloseCalls.Load())
	assert.Nil(t, h.store.State().Handle)
	assert.False(t, h.store.Stats().Polling)

	_, err := st.Handle.EvaluateBoolean(context.Background(), domain.NewEvaluationRequest("f", "u", nil))
	assert.ErrorIs(t, err, domain.ErrHandleClosed)
	assert.Equal(t, int64(0), mock.EvaluateCalls.Load())

	h.advance(5 * interval)
	never(t, func() bool { return mock.RefreshCalls.Load() > 0 }, "tick after teardown")
}

func TestStore_TeardownAfterConstructionFailure(t *testing.T) {
	h := newHarness(t, testConfig(30), func(ctx context.Context, cfg domain.ClientConfig) (domain.Handle, error) {
		return nil, errors.New("boom")
	})
	h.ready(t)

	assert.NotPanics(t, h.store.Teardown)
}

func TestStore_TeardownDuringConstruction(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	release := make(chan struct{})
	var factoryCtxErr atomic.Value
	h := newHarness(t, testConfig(30), func(ctx context.Context, cfg domain.ClientConfig) (domain.Handle, error) {
		<-release
		factoryCtxErr.Store(ctx.Err() != nil)
		return mock, nil
	})
	var c counter
	h.store.Subscribe(c.listener())

	h.store.Attach()
	done := h.store.Construct(context.Background())
	h.store.Teardown()
	close(release)
	<-done

	assert.Equal(t, true, factoryCtxErr.Load(), "teardown cancels construction")
	assert.Equal(t, int64(1), mock.CloseCalls.Load(), "late handle is closed")
	assert.Nil(t, h.store.State().Handle)
	assert.Equal(t, int64(0), c.count())
}

func TestStore_ConstructAfterTeardown(t *testing.T) {
	var calls atomic.Int64
	h := newHarness(t, testConfig(30), func(ctx context.Context, cfg domain.ClientConfig) (domain.Handle, error) {
		calls.Add(1)
		return flipt.NewMockHandle("h1"), nil
	})

	h.store.Teardown()
	<-h.store.Construct(context.Background())

	assert.Equal(t, int64(0), calls.Load())
}

func TestStore_TeardownDuringRefreshDefersClose(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	entered := make(chan struct{})
	release := make(chan struct{})
	mock.RefreshFunc = func(ctx context.Context, prev string) (bool, error) {
		close(entered)
		<-release
		return true, nil
	}
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	h.ready(t)

	h.advance(interval)
	<-entered
	h.store.Teardown()
	assert.Equal(t, int64(0), mock.CloseCalls.Load(), "close waits for in-flight refresh")

	close(release)
	eventually(t, func() bool { return mock.CloseCalls.Load() == 1 }, "deferred close")
	never(t, func() bool { return mock.CloseCalls.Load() > 1 }, "double close")
	assert.Equal(t, int64(1), mock.SnapshotHashCalls.Load(), "no hash read after teardown")
}

func TestStore_CloseErrorIsLogged(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	mock.CloseFunc = func() error { return errors.New("already gone") }
	h := newHarness(t, testConfig(30), flipt.MockFactory(mock))
	h.ready(t)

	h.store.Teardown()

	var found bool
	for _, entry := range h.logs.AllEntries() {
		if entry.Message == "closing evaluation handle failed" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestStore_RefreshNowPreconditions(t *testing.T) {
	h := newHarness(t, testConfig(30), flipt.MockFactory(flipt.NewMockHandle("h1")))
	ctx := context.Background()

	_, err := h.store.RefreshNow(ctx)
	assert.ErrorIs(t, err, ErrNotAttached)

	h.store.Attach()
	_, err = h.store.RefreshNow(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestStore_RefreshNowReportsErrors(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, testConfig(0), flipt.MockFactory(mock))
	h.ready(t)
	ctx := context.Background()

	mock.SetHash("h2")
	changed, err := h.store.RefreshNow(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	hash, _ := h.store.LastSnapshotHash()
	assert.Equal(t, "h2", hash)

	mock.RefreshFunc = func(context.Context, string) (bool, error) { return true, nil }
	mock.SnapshotHashFunc = func(context.Context) (string, error) { return "", errors.New("gone") }
	changed, err = h.store.RefreshNow(ctx)
	assert.True(t, changed)
	assert.True(t, domain.IsHashReadError(err))

	mock.RefreshFunc = func(context.Context, string) (bool, error) { return false, errors.New("down") }
	_, err = h.store.RefreshNow(ctx)
	assert.True(t, domain.IsRefreshError(err))
	_, ok := h.store.LastSnapshotHash()
	assert.False(t, ok)
}

func TestStore_UnsubscribeDuringNotification(t *testing.T) {
	h := newHarness(t, testConfig(30), flipt.MockFactory(flipt.NewMockHandle("h1")))

	var order []string
	var unsubscribeB func()
	h.store.Subscribe(func() {
		order = append(order, "a")
		unsubscribeB()
	})
	unsubscribeB = h.store.Subscribe(func() { order = append(order, "b") })
	h.store.Subscribe(func() { order = append(order, "c") })

	h.ready(t)

	assert.Equal(t, []string{"a", "c"}, order)
	assert.Equal(t, 2, h.store.Stats().Listeners)
	assert.NotPanics(t, unsubscribeB)
}

func TestStore_ListenerPanicIsIsolated(t *testing.T) {
	h := newHarness(t, testConfig(30), flipt.MockFactory(flipt.NewMockHandle("h1")))
	var c counter
	h.store.Subscribe(func() { panic("bad consumer") })
	h.store.Subscribe(c.listener())

	h.ready(t)

	assert.Equal(t, int64(1), c.count())

	var logged bool
	for _, entry := range h.logs.AllEntries() {
		if entry.Level == log.ErrorLevel && entry.Message == "store listener panicked" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestStore_StateIsStableBetweenNotifications(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	h := newHarness(t, testConfig(0), flipt.MockFactory(mock))
	h.ready(t)

	first := h.store.State()
	second := h.store.State()
	assert.Equal(t, first, second)
	assert.True(t, first.Handle == second.Handle)

	mock.SetHash("h2")
	_, err := h.store.RefreshNow(context.Background())
	require.NoError(t, err)

	third := h.store.State()
	assert.Equal(t, first.Version+1, third.Version)
	assert.True(t, first.Handle == third.Handle, "the handle is never replaced")
}

func TestStore_StatsJSONFields(t *testing.T) {
	h := newHarness(t, testConfig(30), flipt.MockFactory(flipt.NewMockHandle("h1")))
	h.ready(t)

	stats := h.store.Stats()
	assert.Equal(t, h.store.ID(), stats.ID)
	assert.Equal(t, "default", stats.Namespace)
	assert.Equal(t, "h1", stats.LastSnapshotHash)
	assert.Equal(t, uint64(1), stats.Notifications)
	assert.Empty(t, stats.Error)
}
