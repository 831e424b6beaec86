// Package store keeps a single evaluation handle alive for one provider and
// polls it for snapshot changes.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
	"github.com/OrlandoBitencourt/flagsync/internal/telemetry"
)

var (
	ErrNotAttached     = errors.New("store is not attached")
	ErrNotReady        = errors.New("store has no evaluation handle")
	ErrRefreshInFlight = errors.New("refresh already in flight")
	ErrDiscarded       = errors.New("refresh result discarded: store detached or torn down")
)

// State is a snapshot of the store. Reads between two notifications return
// equal values.
type State struct {
	Handle    domain.Handle
	IsLoading bool
	Err       error
	Version   uint64
}

// Ready reports whether the handle can be used for evaluation.
func (s State) Ready() bool {
	return s.Handle != nil && !s.IsLoading && s.Err == nil
}

// Listener is invoked after every state change.
type Listener func()

type subscription struct {
	fn     Listener
	active atomic.Bool
}

type Option func(*Store)

func WithClock(clock clockz.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

func WithLogger(logger *log.Entry) Option {
	return func(s *Store) { s.log = logger }
}

func WithTelemetry(provider telemetry.Provider) Option {
	return func(s *Store) { s.tel = provider }
}

// Store owns one evaluation handle for its whole lifetime. All fields below
// mu are guarded by it; handle I/O and listener callbacks run outside it.
type Store struct {
	id      string
	cfg     domain.ClientConfig
	factory domain.HandleFactory
	clock   clockz.Clock
	log     *log.Entry
	tel     telemetry.Provider

	mu sync.Mutex

	handle    *leasedHandle
	isLoading bool
	err       error
	version   uint64
	lastHash  string
	listeners []*subscription

	attached        bool
	ready           bool
	tornDown        bool
	constructDone   chan struct{}
	cancelConstruct context.CancelFunc

	pollStop  chan struct{}
	pollTimer clockz.Timer
	inFlight  bool

	lastRefresh     time.Time
	refreshes       uint64
	refreshFailures uint64
	notifications   uint64
}

func New(cfg domain.ClientConfig, factory domain.HandleFactory, opts ...Option) *Store {
	s := &Store{
		id:        uuid.NewString(),
		cfg:       cfg.WithDefaults(),
		factory:   factory,
		clock:     clockz.RealClock,
		log:       log.NewEntry(log.StandardLogger()),
		tel:       telemetry.NewNoOp(),
		isLoading: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithFields(log.Fields{
		"store_id":    s.id,
		"environment": s.cfg.Environment,
		"namespace":   s.cfg.Namespace,
	})
	return s
}

func (s *Store) ID() string { return s.id }

func (s *Store) Config() domain.ClientConfig { return s.cfg }

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{IsLoading: s.isLoading, Err: s.err, Version: s.version}
	if s.handle != nil {
		st.Handle = s.handle
	}
	return st
}

// LastSnapshotHash returns the hash of the last snapshot the store accepted.
func (s *Store) LastSnapshotHash() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash, s.lastHash != ""
}

// Subscribe registers fn and returns its unsubscribe function. A listener
// removed while a notification pass is running is not called later in
// that pass.
func (s *Store) Subscribe(fn Listener) func() {
	sub := &subscription{fn: fn}
	sub.active.Store(true)

	s.mu.Lock()
	s.listeners = append(s.listeners, sub)
	s.mu.Unlock()

	return func() {
		if !sub.active.CompareAndSwap(true, false) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(other *subscription) bool { return other == sub })
	}
}

func (s *Store) notify(ctx context.Context) {
	s.mu.Lock()
	subs := slices.Clone(s.listeners)
	s.notifications++
	s.mu.Unlock()

	s.tel.RecordNotification(ctx, len(subs))
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		s.invoke(sub)
	}
}

func (s *Store) invoke(sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("store listener panicked")
		}
	}()
	sub.fn()
}

// Attach marks the store active and starts polling once the handle is ready.
func (s *Store) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown || s.attached {
		return
	}
	s.attached = true
	s.startPollingLocked()
}

// Detach stops polling. A refresh already in flight completes but its
// result is discarded.
func (s *Store) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return
	}
	s.attached = false
	s.stopPollingLocked()
}

// Construct starts building the handle on its own goroutine. Only the first
// call has an effect; every call returns the channel closed once
// construction has finished.
func (s *Store) Construct(ctx context.Context) <-chan struct{} {
	s.mu.Lock()
	if s.constructDone != nil {
		done := s.constructDone
		s.mu.Unlock()
		return done
	}
	done := make(chan struct{})
	s.constructDone = done
	if s.tornDown {
		s.mu.Unlock()
		close(done)
		return done
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelConstruct = cancel
	s.mu.Unlock()

	go s.construct(ctx, cancel, done)
	return done
}

func (s *Store) callFactory(ctx context.Context) (h domain.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("handle factory panicked: %v", r)
		}
	}()
	h, err = s.factory(ctx, s.cfg)
	if err == nil && h == nil {
		err = errors.New("handle factory returned no handle")
	}
	return h, err
}

func (s *Store) construct(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	ctx, span := s.tel.StartSpan(ctx, "store.construct",
		telemetry.WithAttributes(telemetry.String("store.id", s.id)))
	defer span.End()
	start := s.clock.Now()

	raw, err := s.callFactory(ctx)
	if err != nil {
		cerr := domain.NewConstructionError(err)
		span.RecordError(cerr)
		s.tel.RecordConstruction(ctx, false, s.clock.Since(start))

		s.mu.Lock()
		if s.tornDown {
			s.mu.Unlock()
			return
		}
		s.err = cerr
		s.isLoading = false
		s.version++
		s.mu.Unlock()

		s.log.WithError(err).Error("evaluation handle construction failed")
		s.notify(ctx)
		return
	}

	hash, herr := raw.SnapshotHash(ctx)
	if herr != nil {
		s.log.WithError(herr).Debug("initial snapshot hash unavailable")
	}

	h := newLeasedHandle(raw, s.log)
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		if err := h.Close(); err != nil {
			s.log.WithError(err).Warn("closing handle built after teardown failed")
		}
		return
	}
	s.handle = h
	s.isLoading = false
	if herr == nil {
		s.lastHash = hash
	}
	s.version++
	s.mu.Unlock()

	s.tel.RecordConstruction(ctx, true, s.clock.Since(start))
	s.log.WithField("hash", hash).Info("evaluation handle ready")
	s.notify(ctx)

	s.mu.Lock()
	s.ready = true
	s.startPollingLocked()
	s.mu.Unlock()
}

// Teardown detaches the store and closes its handle. It runs once; later
// calls do nothing.
func (s *Store) Teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	s.attached = false
	s.stopPollingLocked()
	if s.cancelConstruct != nil {
		s.cancelConstruct()
	}
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			s.log.WithError(err).Warn("closing evaluation handle failed")
		}
	}
	s.log.Info("store torn down")
}

func (s *Store) startPollingLocked() {
	if !s.attached || !s.ready || s.tornDown || s.pollStop != nil {
		return
	}
	interval := s.cfg.PollInterval()
	if interval <= 0 {
		s.log.Debug("polling disabled")
		return
	}

	stop := make(chan struct{})
	timer := s.clock.NewTimer(interval)
	s.pollStop = stop
	s.pollTimer = timer
	go s.pollLoop(stop, timer, interval)
}

func (s *Store) stopPollingLocked() {
	if s.pollStop == nil {
		return
	}
	s.pollTimer.Stop()
	close(s.pollStop)
	s.pollStop = nil
	s.pollTimer = nil
}

func (s *Store) pollLoop(stop chan struct{}, timer clockz.Timer, interval time.Duration) {
	for {
		select {
		case <-stop:
			return
		case <-timer.C():
		}

		next, ok := s.rearm(stop, interval)
		if !ok {
			return
		}
		timer = next
		_, _ = s.refresh(context.Background(), stop)
	}
}

// rearm arms a fresh timer for the next tick and publishes it so
// stopPollingLocked stops the live one. A fired timer is never Reset.
func (s *Store) rearm(stop chan struct{}, interval time.Duration) (clockz.Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollStop != stop {
		return nil, false
	}
	timer := s.clock.NewTimer(interval)
	s.pollTimer = timer
	return timer, true
}

// RefreshNow runs one refresh step outside the poll schedule. It obeys the
// same attached, ready and in-flight rules as a tick.
func (s *Store) RefreshNow(ctx context.Context) (bool, error) {
	return s.refresh(ctx, nil)
}

func (s *Store) acceptLocked(h *leasedHandle) bool {
	return s.attached && !s.tornDown && s.handle == h
}

// refresh asks the handle for a new snapshot. loop is the poll loop's stop
// channel, or nil for a manual refresh; a stale loop is ignored.
func (s *Store) refresh(ctx context.Context, loop chan struct{}) (bool, error) {
	s.mu.Lock()
	switch {
	case loop != nil && s.pollStop != loop:
		s.mu.Unlock()
		return false, ErrDiscarded
	case !s.attached:
		s.mu.Unlock()
		return false, ErrNotAttached
	case s.handle == nil:
		s.mu.Unlock()
		return false, ErrNotReady
	case s.inFlight:
		s.mu.Unlock()
		s.tel.RecordRefresh(ctx, telemetry.RefreshSkipped, 0)
		s.log.Debug("refresh skipped: previous refresh still in flight")
		return false, ErrRefreshInFlight
	}
	s.inFlight = true
	h := s.handle
	prev := s.lastHash
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	ctx, span := s.tel.StartSpan(ctx, "store.refresh",
		telemetry.WithAttributes(telemetry.String("store.id", s.id), telemetry.Bool("manual", loop == nil)))
	defer span.End()
	start := s.clock.Now()

	changed, err := h.Refresh(ctx, prev)
	if err != nil {
		rerr := domain.NewRefreshError(prev, err)
		s.mu.Lock()
		accepted := s.acceptLocked(h)
		if accepted {
			s.lastHash = ""
			s.refreshes++
			s.refreshFailures++
			s.lastRefresh = s.clock.Now()
		}
		s.mu.Unlock()

		if !accepted {
			s.tel.RecordRefresh(ctx, telemetry.RefreshDiscarded, s.clock.Since(start))
			return false, ErrDiscarded
		}
		span.RecordError(rerr)
		s.tel.RecordRefresh(ctx, telemetry.RefreshFailed, s.clock.Since(start))
		s.log.WithError(err).Warn("snapshot refresh failed; cleared snapshot hash")
		return false, rerr
	}

	if !changed {
		s.mu.Lock()
		accepted := s.acceptLocked(h)
		if accepted {
			s.refreshes++
			s.lastRefresh = s.clock.Now()
		}
		s.mu.Unlock()

		if !accepted {
			s.tel.RecordRefresh(ctx, telemetry.RefreshDiscarded, s.clock.Since(start))
			return false, ErrDiscarded
		}
		s.tel.RecordRefresh(ctx, telemetry.RefreshUnchanged, s.clock.Since(start))
		return false, nil
	}

	s.mu.Lock()
	accepted := s.acceptLocked(h)
	s.mu.Unlock()
	if !accepted {
		s.tel.RecordRefresh(ctx, telemetry.RefreshDiscarded, s.clock.Since(start))
		return false, ErrDiscarded
	}

	hash, herr := h.SnapshotHash(ctx)

	s.mu.Lock()
	accepted = s.acceptLocked(h)
	if accepted {
		if herr == nil {
			s.lastHash = hash
		}
		s.version++
		s.refreshes++
		s.lastRefresh = s.clock.Now()
	}
	s.mu.Unlock()

	if !accepted {
		s.tel.RecordRefresh(ctx, telemetry.RefreshDiscarded, s.clock.Since(start))
		return false, ErrDiscarded
	}

	span.SetAttributes(telemetry.Bool("changed", true))
	s.notify(ctx)

	if herr != nil {
		hrerr := domain.NewHashReadError(herr)
		span.RecordError(hrerr)
		s.tel.RecordRefresh(ctx, telemetry.RefreshHashFailed, s.clock.Since(start))
		s.log.WithError(herr).Warn("snapshot changed but its hash could not be read")
		return true, hrerr
	}
	s.tel.RecordRefresh(ctx, telemetry.RefreshChanged, s.clock.Since(start))
	s.log.WithField("hash", hash).Debug("snapshot changed")
	return true, nil
}

// Stats is a point-in-time summary for diagnostics.
type Stats struct {
	ID               string        `json:"id"`
	Environment      string        `json:"environment"`
	Namespace        string        `json:"namespace"`
	Attached         bool          `json:"attached"`
	Ready            bool          `json:"ready"`
	Polling          bool          `json:"polling"`
	Loading          bool          `json:"loading"`
	Error            string        `json:"error,omitempty"`
	PollInterval     time.Duration `json:"poll_interval"`
	LastSnapshotHash string        `json:"last_snapshot_hash,omitempty"`
	LastRefresh      time.Time     `json:"last_refresh"`
	Refreshes        uint64        `json:"refreshes"`
	RefreshFailures  uint64        `json:"refresh_failures"`
	Notifications    uint64        `json:"notifications"`
	Listeners        int           `json:"listeners"`
	Version          uint64        `json:"version"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		ID:               s.id,
		Environment:      s.cfg.Environment,
		Namespace:        s.cfg.Namespace,
		Attached:         s.attached,
		Ready:            s.ready && s.handle != nil,
		Polling:          s.pollStop != nil,
		Loading:          s.isLoading,
		PollInterval:     s.cfg.PollInterval(),
		LastSnapshotHash: s.lastHash,
		LastRefresh:      s.lastRefresh,
		Refreshes:        s.refreshes,
		RefreshFailures:  s.refreshFailures,
		Notifications:    s.notifications,
		Listeners:        len(s.listeners),
		Version:          s.version,
	}
	if s.err != nil {
		stats.Error = s.err.Error()
	}
	return stats
}
