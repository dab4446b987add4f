// Package resilience provides a circuit breaker for calls to external
// dependencies such as the history database.
//
// [Breaker] is a three-state breaker (closed, open, half-open). After a run
// of consecutive failures it rejects calls with [ErrOpen] until a reset
// timeout elapses, then lets a few probe calls through to decide whether the
// dependency recovered.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// Defaults applied by [New].
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// Option configures a [Breaker].
type Option func(*Breaker)

// WithName sets the label used in log messages.
func WithName(name string) Option {
	return func(b *Breaker) { b.name = name }
}

// WithMaxFailures sets how many consecutive failures open the breaker.
func WithMaxFailures(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxFailures = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays open before probing.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithHalfOpenMax sets how many successful probes close the breaker again.
func WithHalfOpenMax(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.halfOpenMax = n
		}
	}
}

// WithLogger sets the logger for state changes.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// Breaker implements the circuit breaker pattern. It is safe for concurrent
// use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger
	now          func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// New creates a closed [Breaker].
func New(opts ...Option) *Breaker {
	b := &Breaker{
		name:         "breaker",
		maxFailures:  DefaultMaxFailures,
		resetTimeout: DefaultResetTimeout,
		halfOpenMax:  DefaultHalfOpenMax,
		log:          slog.Default(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Do runs fn if the breaker admits the call. Errors caused by the caller's
// own context ending are returned but not counted as failures.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release(probe)
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failLocked(probe)
	} else {
		b.succeedLocked(probe)
	}
	return err
}

// admit decides whether a call may proceed and reports whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.probes, b.probeWins = 0, 0
		b.log.Info("resilience: circuit half-open", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.halfOpenMax {
			return false, ErrOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// release returns an unused probe slot.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

func (b *Breaker) failLocked(probe bool) {
	if probe {
		if b.state == StateHalfOpen {
			b.tripLocked("probe failed")
		}
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.maxFailures {
		b.tripLocked("consecutive failures")
	}
}

func (b *Breaker) succeedLocked(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.probeWins++
	if b.probeWins >= b.halfOpenMax {
		b.state = StateClosed
		b.failures = 0
		b.log.Info("resilience: circuit closed", "name", b.name)
	}
}

func (b *Breaker) tripLocked(reason string) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.log.Warn("resilience: circuit opened", "name", b.name, "reason", reason, "failures", b.failures)
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures, b.probes, b.probeWins = 0, 0, 0
	b.log.Info("resilience: circuit reset", "name", b.name)
}
