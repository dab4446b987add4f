// Package vad defines the Detector interface for voice activity detection.
//
// A Detector classifies captured audio as speech or silence and tracks the
// phase of one recording session. The recorder creates one Detector per
// session through a [Factory], calls [Detector.StartRecording] when capture
// begins, feeds it frames with [Detector.ProcessAudio], and polls
// [Detector.ShouldStop] and [Detector.HasValidSpeech] to decide when and how
// the session ends.
//
// Detectors are not safe for concurrent use. A session loop owns its Detector
// exclusively; [Detector.Stats] may be called from the same goroutine only.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Default tuning values. They match the non-VAD "stop after N silent polls"
// heuristic so behaviour is identical whether or not VAD is enabled.
const (
	DefaultRMSThreshold          = 0.01
	DefaultSilenceFrameThreshold = 15
	DefaultMinAudioDuration      = 400 * time.Millisecond
	DefaultMaxRecordingDuration  = 10 * time.Second
	DefaultCheckInterval         = 150 * time.Millisecond
)

// Config holds the parameters of a detector. A Config is a value; detectors
// copy it at construction and never mutate it afterwards.
type Config struct {
	// Enabled toggles speech classification. A disabled detector reports every
	// frame as speech and only stops on MaxRecordingDuration. It also marks
	// speech as detected (Stats.HasDetectedSpeech), so a capped recording
	// always counts as valid speech.
	Enabled bool

	// RMSThreshold is the root-mean-square energy above which a frame counts as
	// speech. Samples are normalised to [-1, 1], so typical values are 0.005–0.05.
	RMSThreshold float64

	// SilenceFrameThreshold is the number of consecutive non-speech frames
	// after detected speech that ends the utterance.
	SilenceFrameThreshold int

	// MinAudioDuration is the shortest recording that may be forwarded as an
	// utterance.
	MinAudioDuration time.Duration

	// MaxRecordingDuration caps a recording session regardless of phase.
	MaxRecordingDuration time.Duration

	// CheckInterval is the cadence at which the recorder analyses audio and
	// evaluates ShouldStop.
	CheckInterval time.Duration
}

// DefaultConfig returns the stock configuration: enabled, 0.01 RMS threshold,
// 15 silent frames, 400ms minimum, 10s maximum, 150ms check interval.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		RMSThreshold:          DefaultRMSThreshold,
		SilenceFrameThreshold: DefaultSilenceFrameThreshold,
		MinAudioDuration:      DefaultMinAudioDuration,
		MaxRecordingDuration:  DefaultMaxRecordingDuration,
		CheckInterval:         DefaultCheckInterval,
	}
}

// Validate reports every invalid field, joined.
func (c Config) Validate() error {
	var errs []error
	if c.RMSThreshold <= 0 {
		errs = append(errs, fmt.Errorf("vad: rms_threshold must be > 0, got %v", c.RMSThreshold))
	}
	if c.SilenceFrameThreshold <= 0 {
		errs = append(errs, fmt.Errorf("vad: silence_frame_threshold must be > 0, got %d", c.SilenceFrameThreshold))
	}
	if c.MinAudioDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: min_audio_duration must be >= 0, got %s", c.MinAudioDuration))
	}
	if c.MaxRecordingDuration <= 0 {
		errs = append(errs, fmt.Errorf("vad: max_recording_duration must be > 0, got %s", c.MaxRecordingDuration))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("vad: check_interval must be > 0, got %s", c.CheckInterval))
	}
	if c.MaxRecordingDuration > 0 && c.MinAudioDuration > c.MaxRecordingDuration {
		errs = append(errs, fmt.Errorf("vad: min_audio_duration (%s) exceeds max_recording_duration (%s)",
			c.MinAudioDuration, c.MaxRecordingDuration))
	}
	return errors.Join(errs...)
}

// Detector tracks speech activity for a single recording session.
type Detector interface {
	// StartRecording resets timing, clears the speech flag and the silence
	// counter, and enters [PhaseWaitingForSpeech].
	StartRecording()

	// ProcessAudio analyses one frame of normalised samples and reports whether
	// the detector is currently in [PhaseSpeaking]. Silence before any detected
	// speech never advances the silence counter.
	ProcessAudio(samples []float32) bool

	// ShouldStop reports whether the session must end: either the maximum
	// recording duration has elapsed or speech was followed by enough silence.
	ShouldStop() bool

	// HasValidSpeech reports whether speech was detected and the session has
	// lasted at least the minimum audio duration.
	HasValidSpeech() bool

	// Reset returns the detector to [PhaseIdle].
	Reset()

	// Phase returns the current phase.
	Phase() Phase

	// Stats returns a debug snapshot of the detector state.
	Stats() Stats
}

// Factory builds a fresh Detector for cfg. The recorder calls it once per
// recording session.
type Factory func(cfg Config) Detector
