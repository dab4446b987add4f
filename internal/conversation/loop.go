package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tressa/internal/history"
	"github.com/MrWong99/tressa/internal/protocol"
	"github.com/MrWong99/tressa/internal/recorder"
	"github.com/MrWong99/tressa/internal/transport"
	"github.com/MrWong99/tressa/pkg/audio/playback"
	"github.com/MrWong99/tressa/pkg/types"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("conversation: machine already running")

// historyTimeout bounds a single history write.
const historyTimeout = 5 * time.Second

type timerKind int

const (
	timerInactivity timerKind = iota
	timerCooldown
)

type timerEvent struct {
	kind timerKind
	gen  uint64
}

// replyEvent is a forwarded playback callback. Both callbacks share one
// channel so a completion is never handled before the fragments preceding it.
type replyEvent struct {
	gen       uint64
	text      string
	completed bool
}

type greetResult struct {
	gen uint64
	err error
}

// loopState is touched only by the Run goroutine.
type loopState struct {
	ctx  context.Context
	mode types.Mode

	sessionID string

	// Reply bookkeeping. replyGen increases on every stream start so that
	// callbacks of an older reply are ignored.
	replyGen       uint64
	replyQueued    int
	replyParts     []string
	replyStartedAt time.Time
	replySession   string
	utteranceAt    time.Time

	greetGen     uint64
	greetPending bool
	greeting     bool
	greetCancel  context.CancelFunc

	inactivity    *time.Timer
	inactivityGen uint64
	cooldown      *time.Timer
	cooldownGen   uint64
	coolingDown   bool
}

// Run processes inputs until ctx is cancelled. On return the recorder is
// stopped, playback is stopped, and all subscriptions are closed.
func (m *Machine) Run(ctx context.Context) error {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return ErrAlreadyRunning
	}
	defer close(m.done)

	st := &m.loop
	st.ctx = ctx
	st.mode = types.ModeStandby
	m.log.Info("conversation: running", "mode", st.mode)

	defer m.shutdown()

	var triggers <-chan struct{}
	if m.wake != nil {
		triggers = m.wake.Triggers()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-triggers:
			m.safely("wake", m.onWake)
		case msg := <-m.transport.Messages():
			m.safely("message", func() { m.onMessage(msg) })
		case ev := <-m.recorder.Events():
			m.safely("recorder", func() { m.onRecorderEvent(ev) })
		case r := <-m.playback:
			if r.completed {
				m.safely("playback", func() { m.onReplyCompleted(r.gen) })
			} else {
				m.safely("playback", func() { m.onFragmentPlayed(r) })
			}
		case g := <-m.greeted:
			m.safely("greeting", func() { m.onGreetingPlayed(g) })
		case t := <-m.timers:
			m.safely("timer", func() { m.onTimer(t) })
		}
	}
}

// shutdown releases every resource the loop holds.
func (m *Machine) shutdown() {
	st := &m.loop
	stopTimer(st.inactivity)
	stopTimer(st.cooldown)
	if st.greetCancel != nil {
		st.greetCancel()
	}
	m.recorder.Stop("conversation stopped")
	m.queue.Stop()
	m.closeSubscribers()
	m.log.Info("conversation: stopped")
}

// safely runs one handler, converting a panic into a logged error.
func (m *Machine) safely(input string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("conversation: recovered panic in handler", "input", input, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// ── Transitions ─────────────────────────────────────────────────────────────

// setMode moves to mode and keeps the inactivity timer in step with it. The
// timer runs while listening and while waiting for the server to answer.
func (m *Machine) setMode(to types.Mode, reason string) {
	st := &m.loop
	from := st.mode
	if to == types.ModeListening || to == types.ModeProcessing {
		m.armInactivity()
	} else {
		m.cancelInactivity()
	}
	if from == to {
		return
	}
	st.mode = to
	m.log.Info("conversation: mode changed", "from", from, "to", to, "reason", reason)
	m.metrics.RecordModeTransition(st.ctx, from.String(), to.String())
	m.publish(func(s *Snapshot) {
		s.Mode = to
		if to == types.ModeRecording {
			s.LastError = ""
		}
	})
}

func (m *Machine) onWake() {
	st := &m.loop
	if st.mode != types.ModeStandby {
		m.log.Debug("conversation: wake ignored", "mode", st.mode)
		return
	}
	if st.coolingDown {
		m.log.Info("conversation: wake ignored during cooldown")
		return
	}
	m.log.Info("conversation: wake word detected")
	m.setMode(types.ModeListening, "wake")
	if err := m.transport.SendEvent(st.ctx, protocol.EventTrigger, nil); err != nil {
		m.log.Warn("conversation: trigger not sent", "err", err)
	}

	if m.Config().GreetingHandshake {
		st.greetPending = true
		return
	}
	m.startRecording("wake")
}

// startRecording asks the recorder for a session. A refusal leaves the mode
// untouched.
func (m *Machine) startRecording(reason string) {
	st := &m.loop
	if !m.recorder.Start(st.ctx) {
		m.log.Warn("conversation: recording not started", "mode", st.mode, "reason", reason)
		return
	}
	st.sessionID = m.recorder.SessionID()
	m.setMode(types.ModeRecording, reason)
	m.publishSession()
}

// endRecording stops the recorder and forgets its session.
func (m *Machine) endRecording(reason string) {
	m.recorder.Stop(reason)
	m.loop.sessionID = ""
	m.publishSession()
}

func (m *Machine) publishSession() {
	id := m.loop.sessionID
	m.publish(func(s *Snapshot) { s.SessionID = id })
}

func (m *Machine) onRecorderEvent(ev recorder.Event) {
	st := &m.loop
	if ev.Kind == recorder.EventStarted {
		if st.sessionID == "" && st.mode == types.ModeRecording {
			st.sessionID = ev.SessionID
			m.publishSession()
		}
		return
	}
	if ev.SessionID != st.sessionID || st.sessionID == "" {
		m.log.Debug("conversation: stale recorder event ignored", "kind", ev.Kind, "session_id", ev.SessionID)
		return
	}

	st.sessionID = ""
	switch ev.Kind {
	case recorder.EventUtterance:
		st.utteranceAt = time.Now()
		st.replySession = ev.SessionID
		m.setMode(types.ModeProcessing, "utterance")
	case recorder.EventDiscarded:
		m.setMode(types.ModeStandby, "no valid speech")
	case recorder.EventCaptureFailed:
		msg := "capture unavailable"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		m.publish(func(s *Snapshot) { s.LastError = msg })
		m.setMode(types.ModeStandby, "capture failed")
	case recorder.EventCaptureEnded:
		m.setMode(types.ModeStandby, "capture ended")
	}
	m.publishSession()
}

// ── Server events ───────────────────────────────────────────────────────────

func (m *Machine) onMessage(msg transport.Message) {
	st := &m.loop
	if msg.Binary {
		m.log.Debug("conversation: binary message ignored", "bytes", len(msg.Data))
		m.metrics.RecordProtocolError(st.ctx, "binary")
		return
	}
	env, err := protocol.Parse(msg.Data)
	if err != nil {
		kind := "malformed"
		if errors.Is(err, protocol.ErrMissingEvent) {
			kind = "missing_event"
		}
		m.log.Warn("conversation: message ignored", "kind", kind, "err", err)
		m.metrics.RecordProtocolError(st.ctx, kind)
		return
	}
	m.log.Debug("conversation: message received", "event", env.Event)

	switch env.Event {
	case protocol.EventTriggerAudio:
		m.onTriggerAudio(env)
	case protocol.EventRecordEnded:
		m.onRecordEnded()
	case protocol.EventLLMProcessing:
		m.endRecording("reply processing")
		m.setMode(types.ModeProcessing, "server processing")
	case protocol.EventStreamStart:
		m.onStreamStart()
	case protocol.EventStreamChunk:
		m.onStreamChunk(env)
	case protocol.EventStreamComplete:
		m.onStreamComplete()
	default:
		m.log.Info("conversation: unknown event ignored", "event", env.Event)
		m.metrics.RecordProtocolError(st.ctx, "unknown_event")
	}
}

func (m *Machine) onTriggerAudio(env protocol.Envelope) {
	st := &m.loop
	if !st.greetPending || st.mode != types.ModeListening {
		m.log.Debug("conversation: greeting ignored", "mode", st.mode)
		return
	}
	var data protocol.TriggerAudio
	if err := env.Decode(&data); err != nil {
		m.log.Error("conversation: greeting ignored", "err", err)
		m.metrics.RecordProtocolError(st.ctx, "invalid_greeting")
		return
	}
	payload, err := protocol.DecodeAudio(data.Audio)
	if err != nil {
		m.log.Error("conversation: greeting ignored", "err", err)
		m.metrics.RecordProtocolError(st.ctx, "invalid_greeting")
		return
	}

	st.greetPending = false
	st.greeting = true
	st.greetGen++
	gen := st.greetGen
	m.cancelInactivity()

	ctx, cancel := context.WithCancel(st.ctx)
	st.greetCancel = cancel
	go func() {
		err := m.player.Play(ctx, payload)
		select {
		case m.greeted <- greetResult{gen: gen, err: err}:
		case <-m.done:
		}
	}()
}

func (m *Machine) onGreetingPlayed(g greetResult) {
	st := &m.loop
	if g.gen != st.greetGen || !st.greeting {
		return
	}
	st.greeting = false
	st.greetCancel()
	st.greetCancel = nil
	if st.mode != types.ModeListening {
		return
	}
	if g.err != nil {
		m.log.Warn("conversation: greeting playback failed", "err", g.err)
	}
	m.startRecording("greeting played")
	if st.mode == types.ModeListening {
		m.armInactivity()
	}
}

// abortGreeting drops a pending or playing greeting.
func (m *Machine) abortGreeting() {
	st := &m.loop
	st.greetPending = false
	st.greeting = false
	st.greetGen++
	if st.greetCancel != nil {
		st.greetCancel()
		st.greetCancel = nil
	}
}

func (m *Machine) onRecordEnded() {
	st := &m.loop
	m.abortGreeting()
	m.endRecording("server ended conversation")
	m.queue.Stop()
	st.replyGen++
	m.setMode(types.ModeStandby, "server ended conversation")

	cooldown := m.Config().WakeCooldown
	if cooldown <= 0 {
		return
	}
	st.coolingDown = true
	st.cooldownGen++
	gen := st.cooldownGen
	stopTimer(st.cooldown)
	st.cooldown = m.afterFunc(cooldown, timerEvent{kind: timerCooldown, gen: gen})
}

func (m *Machine) onStreamStart() {
	st := &m.loop
	m.abortGreeting()
	if st.sessionID != "" {
		m.endRecording("reply started")
	}
	st.replyGen++
	gen := st.replyGen
	st.replyQueued = 0
	st.replyParts = st.replyParts[:0]
	st.replyStartedAt = time.Now()
	if !st.utteranceAt.IsZero() {
		m.metrics.ReplyLatency.Record(st.ctx, st.replyStartedAt.Sub(st.utteranceAt).Seconds())
		st.utteranceAt = time.Time{}
	}

	m.queue.SetCallbacks(playback.Callbacks{
		OnChanged: func(text string) {
			select {
			case m.playback <- replyEvent{gen: gen, text: text}:
			case <-m.done:
			}
		},
		OnCompleted: func() {
			select {
			case m.playback <- replyEvent{gen: gen, completed: true}:
			case <-m.done:
			}
		},
	})
	m.setMode(types.ModeStreaming, "reply started")
	m.publish(func(s *Snapshot) { s.Transcript = "" })
}

func (m *Machine) onStreamChunk(env protocol.Envelope) {
	st := &m.loop
	var chunk protocol.StreamChunk
	if err := env.Decode(&chunk); err != nil {
		m.log.Error("conversation: chunk ignored", "err", err)
		m.metrics.RecordProtocolError(st.ctx, "invalid_chunk")
		return
	}
	if chunk.Text == "" || chunk.Audio == "" {
		m.log.Error("conversation: chunk ignored", "has_text", chunk.Text != "", "has_audio", chunk.Audio != "")
		m.metrics.RecordProtocolError(st.ctx, "invalid_chunk")
		return
	}
	payload, err := protocol.DecodeAudio(chunk.Audio)
	if err != nil {
		m.log.Error("conversation: chunk ignored", "err", err)
		m.metrics.RecordProtocolError(st.ctx, "invalid_chunk")
		return
	}
	st.replyQueued++
	m.queue.Enqueue(playback.Item{Audio: payload, Text: chunk.Text})
}

// onStreamComplete finishes a reply that never queued a playable fragment.
// Otherwise the queue's completion callback ends the reply.
func (m *Machine) onStreamComplete() {
	st := &m.loop
	m.log.Info("conversation: reply stream complete", "fragments", st.replyQueued)
	if st.mode != types.ModeStreaming || st.replyQueued > 0 {
		return
	}
	m.log.Warn("conversation: reply stream carried no playable audio")
	m.onReplyCompleted(st.replyGen)
}

// ── Playback ────────────────────────────────────────────────────────────────

func (m *Machine) onFragmentPlayed(r replyEvent) {
	st := &m.loop
	if r.gen != st.replyGen {
		return
	}
	m.metrics.RecordPlayback(st.ctx, "started")
	st.replyParts = append(st.replyParts, r.text)
	text := strings.Join(st.replyParts, " ")
	m.publish(func(s *Snapshot) { s.Transcript = text })
}

func (m *Machine) onReplyCompleted(gen uint64) {
	st := &m.loop
	if gen != st.replyGen || st.mode != types.ModeStreaming {
		m.log.Debug("conversation: stale playback completion ignored")
		return
	}
	m.log.Info("conversation: reply playback complete")
	m.recordTurn()

	if !m.Config().ResumeAfterReply {
		m.setMode(types.ModeStandby, "reply complete")
		return
	}
	m.setMode(types.ModeListening, "reply complete")
	m.startRecording("reply complete")
}

// recordTurn writes the finished reply to the history store without blocking
// the loop.
func (m *Machine) recordTurn() {
	st := &m.loop
	if m.history == nil || len(st.replyParts) == 0 {
		return
	}
	turn := history.Turn{
		ID:         uuid.NewString(),
		SessionID:  st.replySession,
		Transcript: strings.Join(st.replyParts, " "),
		StartedAt:  st.replyStartedAt,
		FinishedAt: time.Now(),
	}
	st.replySession = ""
	ctx, cancel := context.WithTimeout(context.WithoutCancel(st.ctx), historyTimeout)
	go func() {
		defer cancel()
		if err := m.history.Record(ctx, turn); err != nil {
			m.log.Warn("conversation: history not recorded", "turn_id", turn.ID, "err", err)
		}
	}()
}

// ── Timers ──────────────────────────────────────────────────────────────────

func (m *Machine) afterFunc(d time.Duration, ev timerEvent) *time.Timer {
	return time.AfterFunc(d, func() {
		select {
		case m.timers <- ev:
		case <-m.done:
		}
	})
}

func (m *Machine) armInactivity() {
	st := &m.loop
	d := m.Config().InactivityTimeout
	stopTimer(st.inactivity)
	st.inactivity = nil
	st.inactivityGen++
	if d <= 0 {
		return
	}
	st.inactivity = m.afterFunc(d, timerEvent{kind: timerInactivity, gen: st.inactivityGen})
}

func (m *Machine) cancelInactivity() {
	st := &m.loop
	stopTimer(st.inactivity)
	st.inactivity = nil
	st.inactivityGen++
}

func (m *Machine) onTimer(t timerEvent) {
	st := &m.loop
	switch t.kind {
	case timerInactivity:
		if t.gen != st.inactivityGen || st.greeting {
			return
		}
		switch st.mode {
		case types.ModeListening:
			m.log.Info("conversation: no activity, returning to standby")
			m.abortGreeting()
			m.setMode(types.ModeStandby, "inactivity")
		case types.ModeProcessing:
			m.log.Warn("conversation: no reply from server, returning to standby")
			st.replySession = ""
			st.utteranceAt = time.Time{}
			m.setMode(types.ModeStandby, "reply timeout")
		}
	case timerCooldown:
		if t.gen != st.cooldownGen {
			return
		}
		st.coolingDown = false
		m.log.Debug("conversation: wake cooldown over")
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
