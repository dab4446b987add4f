package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/tressa/pkg/audio"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// Registry maps backend names to their constructor functions for capture
// devices and players. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	capture map[string]func(BackendEntry) (audio.CaptureDevice, error)
	player  map[string]func(BackendEntry) (audio.Player, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture: make(map[string]func(BackendEntry) (audio.CaptureDevice, error)),
		player:  make(map[string]func(BackendEntry) (audio.Player, error)),
	}
}

// RegisterCapture registers a capture device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory func(BackendEntry) (audio.CaptureDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayer registers a player factory under name.
func (r *Registry) RegisterPlayer(name string, factory func(BackendEntry) (audio.Player, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.player[name] = factory
}

// CreateCapture instantiates a capture device using the factory registered
// under entry.Name. Returns [ErrBackendNotRegistered] if there is none.
func (r *Registry) CreateCapture(entry BackendEntry) (audio.CaptureDevice, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreatePlayer instantiates a player using the factory registered under entry.Name.
func (r *Registry) CreatePlayer(entry BackendEntry) (audio.Player, error) {
	r.mu.RLock()
	factory, ok := r.player[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: player/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}
