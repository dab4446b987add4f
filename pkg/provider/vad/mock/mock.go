// Package mock provides a test double for the [vad.Detector] interface.
//
// Detector returns scripted values and records every call so that tests can
// drive the recorder through arbitrary stop/validity outcomes without shaping
// real audio.
//
// Example:
//
//	det := &mock.Detector{}
//	det.SetStop(true)
//	det.SetValid(true)
//	rec := recorder.New(..., recorder.WithVADFactory(det.Factory()))
package mock

import (
	"sync"

	"github.com/MrWong99/tressa/pkg/provider/vad"
)

// Detector is a mock implementation of [vad.Detector]. All methods are safe
// for concurrent use so that tests may flip results while a session loop is
// polling.
type Detector struct {
	mu sync.Mutex

	speaking bool
	stop     bool
	valid    bool
	phase    vad.Phase

	// Configs records the Config passed to every detector built by Factory.
	Configs []vad.Config

	// Frames records the samples passed to every ProcessAudio call.
	Frames [][]float32

	// CallCountStartRecording records StartRecording calls.
	CallCountStartRecording int

	// CallCountReset records Reset calls.
	CallCountReset int

	// CallCountShouldStop records ShouldStop calls.
	CallCountShouldStop int
}

// Factory returns a [vad.Factory] that records the config and hands out d.
func (d *Detector) Factory() vad.Factory {
	return func(cfg vad.Config) vad.Detector {
		d.mu.Lock()
		d.Configs = append(d.Configs, cfg)
		d.mu.Unlock()
		return d
	}
}

// SetSpeaking sets the ProcessAudio result.
func (d *Detector) SetSpeaking(v bool) { d.mu.Lock(); d.speaking = v; d.mu.Unlock() }

// SetStop sets the ShouldStop result.
func (d *Detector) SetStop(v bool) { d.mu.Lock(); d.stop = v; d.mu.Unlock() }

// SetValid sets the HasValidSpeech result.
func (d *Detector) SetValid(v bool) { d.mu.Lock(); d.valid = v; d.mu.Unlock() }

// StartRecording implements [vad.Detector].
func (d *Detector) StartRecording() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStartRecording++
	d.phase = vad.PhaseWaitingForSpeech
}

// ProcessAudio implements [vad.Detector].
func (d *Detector) ProcessAudio(samples []float32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	d.Frames = append(d.Frames, cp)
	if d.speaking {
		d.phase = vad.PhaseSpeaking
	}
	return d.speaking
}

// ShouldStop implements [vad.Detector].
func (d *Detector) ShouldStop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountShouldStop++
	return d.stop
}

// HasValidSpeech implements [vad.Detector].
func (d *Detector) HasValidSpeech() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.valid
}

// Reset implements [vad.Detector].
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountReset++
	d.phase = vad.PhaseIdle
}

// Phase implements [vad.Detector].
func (d *Detector) Phase() vad.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Stats implements [vad.Detector].
func (d *Detector) Stats() vad.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return vad.Stats{Phase: d.phase, HasDetectedSpeech: d.valid}
}

// FrameCount returns the number of ProcessAudio calls. Thread-safe.
func (d *Detector) FrameCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Frames)
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
