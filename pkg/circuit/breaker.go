// Package circuit guards calls to an upstream that may be unavailable.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before letting a probe through.
	Cooldown time.Duration

	// HalfOpenSuccesses closes a half-open breaker after this many successes.
	HalfOpenSuccesses int

	// IsFailure decides whether an error counts against the upstream. Nil
	// counts every non-nil error except context cancellation.
	IsFailure func(error) bool

	OnStateChange func(from, to State)

	Clock clockz.Clock
}

func DefaultConfig() Config {
	return Config{
		MaxFailures:       5,
		Cooldown:          30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu sync.Mutex

	cfg   Config
	clock clockz.Clock

	state           State
	failures        int
	probeSuccesses  int
	lastFailure     time.Time
	lastStateChange time.Time

	requests   int64
	successes  int64
	failed     int64
	rejections int64
}

func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockz.RealClock
	}

	return &Breaker{
		cfg:             cfg,
		clock:           clock,
		state:           StateClosed,
		lastStateChange: clock.Now(),
	}
}

func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests++
	if b.state == StateOpen {
		if b.clock.Since(b.lastStateChange) < b.cfg.Cooldown {
			b.rejections++
			return &OpenError{Failures: b.failures, LastFailure: b.lastFailure, RetryAt: b.lastStateChange.Add(b.cfg.Cooldown)}
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.IsFailure(err) {
		b.successes++
		b.failures = 0
		if b.state == StateHalfOpen {
			b.probeSuccesses++
			if b.probeSuccesses >= b.cfg.HalfOpenSuccesses {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.failed++
	b.failures++
	b.lastFailure = b.clock.Now()
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.probeSuccesses = 0
	b.lastStateChange = b.clock.Now()
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and forgets the failure streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
}

type Stats struct {
	State           State
	Failures        int
	TotalRequests   int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalRejections int64
	LastFailure     time.Time
	LastStateChange time.Time
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state,
		Failures:        b.failures,
		TotalRequests:   b.requests,
		TotalSuccesses:  b.successes,
		TotalFailures:   b.failed,
		TotalRejections: b.rejections,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}

// OpenError is returned without calling the upstream while the breaker is open.
type OpenError struct {
	Failures    int
	LastFailure time.Time
	RetryAt     time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open after %d failures, retry at %s", e.Failures, e.RetryAt.Format(time.RFC3339))
}

func IsOpen(err error) bool {
	var target *OpenError
	return errors.As(err, &target)
}
