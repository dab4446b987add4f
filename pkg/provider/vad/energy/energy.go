// Package energy provides an RMS energy-threshold implementation of
// [vad.Detector].
//
// A frame counts as speech when sqrt(mean(s^2)) exceeds the configured
// threshold. Silence is only counted once speech has been heard, so leading
// silence never ends a session early.
package energy

import (
	"time"

	"github.com/MrWong99/tressa/pkg/audio"
	"github.com/MrWong99/tressa/pkg/provider/vad"
)

// Compile-time interface assertion.
var _ vad.Detector = (*Detector)(nil)

// Option configures a [Detector] during construction.
type Option func(*Detector)

// WithClock replaces the wall clock used for elapsed-time checks.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// Detector is an RMS energy-threshold voice activity detector. It is not safe
// for concurrent use.
type Detector struct {
	cfg vad.Config
	now func() time.Time

	phase             vad.Phase
	hasDetectedSpeech bool
	silentFrameCount  int
	startedAt         time.Time
	lastRMS           float64
}

// New creates a Detector in [vad.PhaseIdle].
func New(cfg vad.Config, opts ...Option) *Detector {
	d := &Detector{
		cfg: cfg,
		now: time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Factory returns a [vad.Factory] that builds energy detectors with opts.
func Factory(opts ...Option) vad.Factory {
	return func(cfg vad.Config) vad.Detector {
		return New(cfg, opts...)
	}
}

// StartRecording implements [vad.Detector].
func (d *Detector) StartRecording() {
	d.startedAt = d.now()
	d.phase = vad.PhaseWaitingForSpeech
	d.hasDetectedSpeech = false
	d.silentFrameCount = 0
	d.lastRMS = 0
}

// ProcessAudio implements [vad.Detector]. A disabled detector treats every
// frame as speech.
func (d *Detector) ProcessAudio(samples []float32) bool {
	if !d.cfg.Enabled {
		d.hasDetectedSpeech = true
		d.phase = vad.PhaseSpeaking
		return true
	}

	rms := audio.RMS(samples)
	d.lastRMS = rms

	if rms > d.cfg.RMSThreshold {
		d.hasDetectedSpeech = true
		d.silentFrameCount = 0
		d.phase = vad.PhaseSpeaking
		return true
	}

	if d.hasDetectedSpeech {
		d.silentFrameCount++
		if d.phase == vad.PhaseSpeaking && d.silentFrameCount >= d.cfg.SilenceFrameThreshold {
			d.phase = vad.PhaseSilenceAfterSpeech
		}
	}
	return d.phase == vad.PhaseSpeaking
}

// ShouldStop implements [vad.Detector]. The max-duration cap is checked
// before, and independently of, the phase.
func (d *Detector) ShouldStop() bool {
	if d.elapsed() >= d.cfg.MaxRecordingDuration {
		return true
	}
	return d.phase == vad.PhaseSilenceAfterSpeech
}

// HasValidSpeech implements [vad.Detector].
func (d *Detector) HasValidSpeech() bool {
	return d.hasDetectedSpeech && d.elapsed() >= d.cfg.MinAudioDuration
}

// Reset implements [vad.Detector].
func (d *Detector) Reset() {
	d.hasDetectedSpeech = false
	d.silentFrameCount = 0
	d.phase = vad.PhaseIdle
}

// Phase implements [vad.Detector].
func (d *Detector) Phase() vad.Phase { return d.phase }

// Stats implements [vad.Detector].
func (d *Detector) Stats() vad.Stats {
	return vad.Stats{
		Phase:             d.phase,
		HasDetectedSpeech: d.hasDetectedSpeech,
		SilentFrameCount:  d.silentFrameCount,
		Elapsed:           d.elapsed(),
		RMSThreshold:      d.cfg.RMSThreshold,
		LastRMS:           d.lastRMS,
	}
}

func (d *Detector) elapsed() time.Duration {
	if d.startedAt.IsZero() {
		return 0
	}
	return d.now().Sub(d.startedAt)
}
