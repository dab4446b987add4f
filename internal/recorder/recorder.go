// Package recorder owns the microphone lifecycle of a voice session.
//
// A [Controller] runs at most one recording session at a time. While a session
// is active every captured frame is encoded as PCM16 and streamed to the
// remote service, whatever the voice activity detector thinks of it. The
// detector only decides when the session ends and whether it produced an
// utterance worth answering. Outcomes are reported on [Controller.Events];
// nothing crosses the package boundary as a panic or a returned error.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tressa/internal/observe"
	"github.com/MrWong99/tressa/internal/protocol"
	"github.com/MrWong99/tressa/pkg/audio"
	"github.com/MrWong99/tressa/pkg/provider/vad"
	"github.com/MrWong99/tressa/pkg/provider/vad/energy"
	"github.com/MrWong99/tressa/pkg/types"
)

// Sender is the outbound half of the transport.
type Sender interface {
	IsConnected() bool
	SendBytes(ctx context.Context, data []byte) error
	SendEvent(ctx context.Context, event string, payload any) error
}

// Option configures a [Controller].
type Option func(*Controller)

// WithVADConfig sets the detector configuration for new sessions.
func WithVADConfig(cfg vad.Config) Option {
	return func(c *Controller) {
		c.vadCfg = cfg
	}
}

// WithVADFactory replaces the detector constructor.
func WithVADFactory(f vad.Factory) Option {
	return func(c *Controller) {
		if f != nil {
			c.factory = f
		}
	}
}

// WithModeSource supplies the current conversation mode. Start is refused
// while the mode does not allow recording.
func WithModeSource(fn func() types.Mode) Option {
	return func(c *Controller) {
		c.mode = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithEventBuffer sets the capacity of the events channel.
func WithEventBuffer(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.events = make(chan Event, n)
		}
	}
}

// Controller starts and stops recording sessions. All exported methods are
// safe for concurrent use.
type Controller struct {
	sender  Sender
	device  audio.CaptureDevice
	factory vad.Factory
	mode    func() types.Mode
	log     *slog.Logger
	metrics *observe.Metrics
	events  chan Event

	mu     sync.Mutex
	vadCfg vad.Config
	active *session
}

// New creates a Controller that streams audio from device through sender.
func New(sender Sender, device audio.CaptureDevice, opts ...Option) *Controller {
	c := &Controller{
		sender:  sender,
		device:  device,
		factory: energy.Factory(),
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
		events:  make(chan Event, 16),
		vadCfg:  vad.DefaultConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Events returns the channel of session outcomes. It is never closed.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// SetVADConfig replaces the detector configuration. It applies from the next
// session on.
func (c *Controller) SetVADConfig(cfg vad.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vadCfg = cfg
}

// Active reports whether a session is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// SessionID returns the id of the running session, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.id
}

// Start begins a recording session. It returns false, after logging why, when
// the transport is down, the mode forbids recording, or a session is already
// active. Capture is acquired asynchronously; acquisition failures arrive as
// [EventCaptureFailed].
//
// ctx only contributes values such as trace context; the session lives until
// it ends on its own or [Controller.Stop] is called.
func (c *Controller) Start(ctx context.Context) bool {
	if !c.sender.IsConnected() {
		c.log.Info("recorder: start refused", "reason", "transport not connected")
		return false
	}
	if c.mode != nil {
		if m := c.mode(); !m.AllowsRecording() {
			c.log.Info("recorder: start refused", "reason", "mode forbids recording", "mode", m)
			return false
		}
	}

	c.mu.Lock()
	if c.active != nil {
		id := c.active.id
		c.mu.Unlock()
		c.log.Info("recorder: start refused", "reason", "session already active", "session_id", id)
		return false
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:        uuid.NewString(),
		cfg:       c.vadCfg,
		startedAt: time.Now(),
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.det = c.factory(s.cfg)
	s.det.StartRecording()
	c.active = s
	c.mu.Unlock()

	c.log.Info("recorder: session started", "session_id", s.id)
	go c.run(s)
	return true
}

// Stop cancels the running session, if any, and waits until its capture has
// been released. Safe to call with no session active.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	s := c.active
	c.active = nil
	c.mu.Unlock()
	if s == nil {
		return
	}

	c.log.Info("recorder: stopping session", "session_id", s.id, "reason", reason)
	s.cancel()
	<-s.done
}

// session is one recording session. Fields below det are touched only by the
// session goroutine.
type session struct {
	id        string
	cfg       vad.Config
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	det       vad.Detector

	stream      audio.CaptureStream
	releaseOnce sync.Once

	audioPos     time.Duration
	analysedAt   time.Duration
	analysedOnce bool
}

// run is the session loop.
func (c *Controller) run(s *session) {
	defer close(s.done)
	defer s.cancel()

	ctx, span := observe.StartSessionSpan(s.ctx, s.id)
	defer span.End()
	log := observe.Logger(ctx, c.log).With("session_id", s.id)
	outcome := "stopped"
	defer func() {
		c.release(s)
		c.metrics.RecordSession(ctx, outcome, time.Since(s.startedAt).Seconds())
	}()

	c.emit(s, Event{Kind: EventStarted, SessionID: s.id})

	if err := c.sender.SendEvent(ctx, protocol.EventRecord, nil); err != nil {
		log.Warn("recorder: announce failed", "err", err)
	}

	stream, err := c.device.Open(ctx, audio.DefaultConstraints())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		cerr := newCaptureError(err)
		log.Error("recorder: capture unavailable", "kind", cerr.Kind, "err", err)
		outcome = "capture_failed"
		c.release(s)
		c.emit(s, Event{Kind: EventCaptureFailed, SessionID: s.id, Err: cerr})
		return
	}
	c.mu.Lock()
	s.stream = stream
	c.mu.Unlock()
	c.metrics.ActiveRecordings.Add(ctx, 1)

	interval := s.cfg.CheckInterval
	if interval <= 0 {
		interval = vad.DefaultCheckInterval
		s.cfg.CheckInterval = interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var stop bool
		select {
		case <-ctx.Done():
			return
		case f, ok := <-stream.Frames():
			if !ok {
				log.Warn("recorder: capture stream ended")
				outcome = "capture_ended"
				c.release(s)
				c.emit(s, Event{Kind: EventCaptureEnded, SessionID: s.id, Duration: time.Since(s.startedAt)})
				return
			}
			stop = c.safeTick(log, func() bool { return c.handleFrame(ctx, s, f) })
		case <-ticker.C:
			stop = c.safeTick(log, s.det.ShouldStop)
		}
		if stop {
			outcome = c.finish(ctx, s, log)
			return
		}
	}
}

// handleFrame streams f and, at most once per check interval of audio time,
// feeds it to the detector. It reports whether the session should stop.
func (c *Controller) handleFrame(ctx context.Context, s *session, f audio.AudioFrame) bool {
	if err := c.sender.SendBytes(ctx, audio.FloatToPCM16(f.Samples)); err != nil {
		c.log.Debug("recorder: frame not sent", "session_id", s.id, "err", err)
	}

	dur := f.Duration()
	s.audioPos += dur
	if dur > 0 && s.analysedOnce && s.audioPos-s.analysedAt < s.cfg.CheckInterval {
		return false
	}
	s.analysedOnce = true
	s.analysedAt = s.audioPos
	s.det.ProcessAudio(f.Samples)
	return s.det.ShouldStop()
}

// finish ends a session the detector asked to stop.
func (c *Controller) finish(ctx context.Context, s *session, log *slog.Logger) string {
	valid := s.det.HasValidSpeech()
	stats := s.det.Stats()
	s.det.Reset()
	c.release(s)

	dur := time.Since(s.startedAt)
	if !valid {
		log.Info("recorder: discarding recording", "duration", dur, "had_speech", stats.HasDetectedSpeech)
		c.emit(s, Event{Kind: EventDiscarded, SessionID: s.id, Duration: dur})
		return "discarded"
	}

	if err := c.sender.SendEvent(ctx, protocol.EventRecordEnd, nil); err != nil {
		log.Warn("recorder: record end not sent", "err", err)
	}
	log.Info("recorder: utterance complete", "duration", dur)
	c.emit(s, Event{Kind: EventUtterance, SessionID: s.id, Duration: dur})
	return "utterance"
}

// release closes the capture stream and clears the active slot, exactly once
// per session.
func (c *Controller) release(s *session) {
	s.releaseOnce.Do(func() {
		c.mu.Lock()
		if c.active == s {
			c.active = nil
		}
		stream := s.stream
		c.mu.Unlock()

		if stream != nil {
			// A producer blocked on a full frame channel could otherwise
			// keep Close from returning.
			go audio.Drain(stream.Frames())
			if err := stream.Close(); err != nil {
				c.log.Warn("recorder: closing capture", "session_id", s.id, "err", err)
			}
			c.metrics.ActiveRecordings.Add(context.Background(), -1)
		}
	})
}

// emit delivers ev unless the session was stopped in the meantime.
func (c *Controller) emit(s *session, ev Event) {
	select {
	case c.events <- ev:
	case <-s.ctx.Done():
	}
}

// safeTick runs fn, converting a panic into a logged error so that the next
// tick still runs.
func (c *Controller) safeTick(log *slog.Logger, fn func() bool) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recorder: recovered panic in session tick", "panic", fmt.Sprint(r))
			stop = false
		}
	}()
	return fn()
}
