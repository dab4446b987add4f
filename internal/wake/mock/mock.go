// Package mock provides a test double for [wake.Detector].
package mock

import (
	"sync"

	"github.com/MrWong99/tressa/internal/wake"
)

// Detector is a mock wake detector. Fire delivers triggers synchronously, so a
// test's Fire returns only after the consumer has received the trigger.
type Detector struct {
	mu       sync.Mutex
	status   wake.Status
	triggers chan struct{}
}

// New creates a Detector reporting a loaded, listening engine.
func New() *Detector {
	return &Detector{
		status:   wake.Status{Loaded: true, Listening: true},
		triggers: make(chan struct{}),
	}
}

// Fire blocks until the trigger has been received.
func (d *Detector) Fire() { d.triggers <- struct{}{} }

// SetStatus sets the Status result.
func (d *Detector) SetStatus(s wake.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s
}

// Triggers implements [wake.Detector].
func (d *Detector) Triggers() <-chan struct{} { return d.triggers }

// Status implements [wake.Detector].
func (d *Detector) Status() wake.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

var _ wake.Detector = (*Detector)(nil)
