// Package conversation owns the authoritative conversation mode and turns
// wake triggers, server events, recorder outcomes and playback completion
// into mode transitions.
//
// All conversation state is mutated by a single goroutine, [Machine.Run].
// Collaborators never call back into the machine directly: their callbacks
// are forwarded as messages on internal channels and handled one at a time,
// so every transition observes a consistent state. Readers use [Machine.Mode],
// [Machine.Snapshot] or a [Subscription].
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tressa/internal/history"
	"github.com/MrWong99/tressa/internal/observe"
	"github.com/MrWong99/tressa/internal/recorder"
	"github.com/MrWong99/tressa/internal/transport"
	"github.com/MrWong99/tressa/internal/wake"
	"github.com/MrWong99/tressa/pkg/audio"
	"github.com/MrWong99/tressa/pkg/audio/playback"
	"github.com/MrWong99/tressa/pkg/types"
)

// Default timings.
const (
	DefaultInactivityTimeout = 10 * time.Second
	DefaultWakeCooldown      = 2 * time.Second
)

// Transport is the part of the transport the machine talks to.
type Transport interface {
	Messages() <-chan transport.Message
	SendEvent(ctx context.Context, event string, payload any) error
}

// Recorder is the part of the recording controller the machine drives.
type Recorder interface {
	Start(ctx context.Context) bool
	Stop(reason string)
	SessionID() string
	Events() <-chan recorder.Event
}

// Playback is the reply queue.
type Playback interface {
	Enqueue(item playback.Item)
	SetCallbacks(cb playback.Callbacks)
	Clear()
	Stop()
}

// Config holds the tunable behaviour of the machine.
type Config struct {
	// GreetingHandshake waits for the server greeting after a wake trigger and
	// plays it before recording starts.
	GreetingHandshake bool

	// ResumeAfterReply starts a new recording once a reply finished playing.
	// When false the machine returns to standby instead.
	ResumeAfterReply bool

	// InactivityTimeout returns a listening conversation that never started
	// recording to standby. It also bounds how long PROCESSING waits for the
	// server to start a reply.
	InactivityTimeout time.Duration

	// WakeCooldown suppresses wake triggers after the server ended a
	// conversation.
	WakeCooldown time.Duration
}

// DefaultConfig returns the default machine configuration.
func DefaultConfig() Config {
	return Config{
		GreetingHandshake: true,
		ResumeAfterReply:  true,
		InactivityTimeout: DefaultInactivityTimeout,
		WakeCooldown:      DefaultWakeCooldown,
	}
}

// Snapshot is the observable state of the conversation.
type Snapshot struct {
	Mode       types.Mode `json:"mode"`
	Transcript string     `json:"transcript"`
	SessionID  string     `json:"session_id,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Option configures a [Machine].
type Option func(*Machine)

// WithConfig replaces the machine configuration.
func WithConfig(cfg Config) Option {
	return func(m *Machine) {
		m.cfg = cfg
	}
}

// WithHistory records completed reply turns in s.
func WithHistory(s history.Store) Option {
	return func(m *Machine) {
		m.history = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// Machine is the conversation state machine.
type Machine struct {
	transport Transport
	recorder  Recorder
	queue     Playback
	player    audio.Player
	wake      wake.Detector
	history   history.Store
	log       *slog.Logger
	metrics   *observe.Metrics

	// Forwarded callbacks and timer expiries, consumed by Run.
	playback  chan replyEvent
	greeted   chan greetResult
	timers    chan timerEvent
	done      chan struct{}
	runOnce   sync.Once

	mu      sync.RWMutex
	cfg     Config
	snap    Snapshot
	subs    map[*Subscription]struct{}

	// Loop-owned state.
	loop loopState
}

// New creates a Machine in STANDBY. Call [Machine.Run] to start it. The
// player plays the greeting; replies go through queue.
func New(tr Transport, rec Recorder, queue Playback, player audio.Player, wd wake.Detector, opts ...Option) *Machine {
	m := &Machine{
		transport: tr,
		recorder:  rec,
		queue:     queue,
		player:    player,
		wake:      wd,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
		playback:  make(chan replyEvent, 16),
		greeted:   make(chan greetResult, 1),
		timers:    make(chan timerEvent, 4),
		done:      make(chan struct{}),
		cfg:       DefaultConfig(),
		subs:      make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.snap = Snapshot{Mode: types.ModeStandby, UpdatedAt: time.Now()}
	return m
}

// Mode returns the current mode.
func (m *Machine) Mode() types.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Mode
}

// Snapshot returns the current observable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Config returns the active configuration.
func (m *Machine) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetConfig replaces the configuration. Timings apply to timers armed after
// the call.
func (m *Machine) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Done is closed when Run has returned.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// ── Subscriptions ───────────────────────────────────────────────────────────

// Subscription delivers snapshots after every change. When the subscriber
// falls behind, the oldest pending snapshot is replaced by the newest.
type Subscription struct {
	m    *Machine
	c    chan Snapshot
	once sync.Once
}

// C returns the snapshot channel. It is closed by Unsubscribe and when the
// machine stops.
func (s *Subscription) C() <-chan Snapshot { return s.c }

// Unsubscribe stops delivery and closes the channel. Safe to call more than
// once.
func (s *Subscription) Unsubscribe() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.m.subs, s)
		close(s.c)
	})
}

// Subscribe registers a subscriber. The current snapshot is delivered
// immediately. buffer < 1 is treated as 1.
func (m *Machine) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{m: m, c: make(chan Snapshot, buffer)}

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		s.closeLocked()
		return s
	default:
	}
	m.subs[s] = struct{}{}
	s.c <- m.snap
	return s
}

// publish replaces the snapshot and fans it out. Must be called from the loop.
func (m *Machine) publish(update func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update(&m.snap)
	m.snap.UpdatedAt = time.Now()
	for s := range m.subs {
		select {
		case s.c <- m.snap:
			continue
		default:
		}
		select {
		case <-s.c:
		default:
		}
		select {
		case s.c <- m.snap:
		default:
		}
	}
}

// closeSubscribers closes every subscription.
func (m *Machine) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs {
		s.closeLocked()
	}
}
