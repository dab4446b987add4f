package vad

import "time"

// Phase enumerates the states of a recording session as seen by a [Detector].
type Phase int

const (
	// PhaseIdle means no recording session is active.
	PhaseIdle Phase = iota

	// PhaseWaitingForSpeech means recording started but no speech was heard yet.
	PhaseWaitingForSpeech

	// PhaseSpeaking means the most recent frame was above the threshold, or
	// the silence run after speech is still shorter than the threshold.
	PhaseSpeaking

	// PhaseSilenceAfterSpeech means speech was followed by enough silence to
	// end the utterance.
	PhaseSilenceAfterSpeech
)

// String returns the upper-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseWaitingForSpeech:
		return "WAITING_FOR_SPEECH"
	case PhaseSpeaking:
		return "SPEAKING"
	case PhaseSilenceAfterSpeech:
		return "SILENCE_AFTER_SPEECH"
	default:
		return "UNKNOWN"
	}
}

// Stats is a debug snapshot of a [Detector].
type Stats struct {
	Phase             Phase
	HasDetectedSpeech bool
	SilentFrameCount  int
	Elapsed           time.Duration
	RMSThreshold      float64

	// LastRMS is the energy of the most recently processed frame.
	LastRMS float64
}
