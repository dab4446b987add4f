// Package mock provides a scripted stand-in for [recorder.Controller].
//
// Start hands out sequential session ids ("session-1", "session-2", ...) and
// queues an [recorder.EventStarted]; tests then drive the session outcome
// with [Recorder.Emit].
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/tressa/internal/recorder"
)

// Recorder is a mock recording controller. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events chan recorder.Event
	active string
	seq    int

	// Refuse makes Start return false.
	Refuse bool

	// CallCountStart records Start calls, including refused ones.
	CallCountStart int

	// StopReasons records the reason of every Stop call.
	StopReasons []string
}

// New creates a Recorder with a 16-event buffer.
func New() *Recorder {
	return &Recorder{events: make(chan recorder.Event, 16)}
}

// Start implements the controller contract.
func (r *Recorder) Start(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStart++
	if r.Refuse || r.active != "" {
		return false
	}
	r.seq++
	r.active = fmt.Sprintf("session-%d", r.seq)
	r.events <- recorder.Event{Kind: recorder.EventStarted, SessionID: r.active}
	return true
}

// Stop clears the active session.
func (r *Recorder) Stop(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StopReasons = append(r.StopReasons, reason)
	r.active = ""
}

// SessionID returns the active session id.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Events returns the event channel.
func (r *Recorder) Events() <-chan recorder.Event { return r.events }

// Emit ends or annotates the active session with an event of kind k. Terminal
// kinds clear the active session. It returns the session id used.
func (r *Recorder) Emit(k recorder.EventKind, err error) string {
	r.mu.Lock()
	id := r.active
	if k != recorder.EventStarted {
		r.active = ""
	}
	r.mu.Unlock()
	r.events <- recorder.Event{Kind: k, SessionID: id, Err: err}
	return id
}

// EmitFor delivers an event for an arbitrary session id, e.g. a stale one.
func (r *Recorder) EmitFor(id string, k recorder.EventKind) {
	r.events <- recorder.Event{Kind: k, SessionID: id}
}

// Starts returns the number of Start calls. Thread-safe.
func (r *Recorder) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CallCountStart
}

// Stops returns a copy of the Stop reasons. Thread-safe.
func (r *Recorder) Stops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.StopReasons...)
}
