// Package types defines the shared types used across tressa packages.
//
// Cross-cutting data structures live here to avoid circular imports between the
// recorder, the conversation machine, and the HTTP surfaces that report on them.
package types

import "encoding/json"

// Mode is the authoritative conversation mode. Exactly one Mode is current at
// any time; it is owned by the conversation machine and only read elsewhere.
type Mode int

const (
	// ModeStandby waits for a wake trigger.
	ModeStandby Mode = iota

	// ModeListening has an open conversation but no capture session yet
	// (greeting playing, or waiting to resume recording).
	ModeListening

	// ModeRecording has an active capture session.
	ModeRecording

	// ModeProcessing waits for the remote service to answer an utterance.
	ModeProcessing

	// ModeStreaming plays back reply fragments.
	ModeStreaming
)

// String returns the upper-case name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeStandby:
		return "STANDBY"
	case ModeListening:
		return "LISTENING"
	case ModeRecording:
		return "RECORDING"
	case ModeProcessing:
		return "PROCESSING"
	case ModeStreaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

// AllowsRecording reports whether a capture session may be opened in mode m.
// Recording is refused while an utterance is processed or a reply streams.
func (m Mode) AllowsRecording() bool {
	return m != ModeProcessing && m != ModeStreaming
}

// MarshalJSON encodes the mode as its string name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}
