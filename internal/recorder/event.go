package recorder

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/tressa/pkg/audio"
)

// EventKind enumerates recorder lifecycle events.
type EventKind int

const (
	// EventStarted is emitted when a session begins acquiring capture.
	EventStarted EventKind = iota

	// EventUtterance is emitted after a session ended with valid speech and
	// client:record:end was sent.
	EventUtterance

	// EventDiscarded is emitted after a session ended without valid speech.
	// Nothing beyond the raw frames was forwarded.
	EventDiscarded

	// EventCaptureFailed is emitted when the capture device could not be
	// acquired. Err holds a *CaptureError.
	EventCaptureFailed

	// EventCaptureEnded is emitted when the device stream ended on its own.
	EventCaptureEnded
)

// String returns a short lower-case name.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventUtterance:
		return "utterance"
	case EventDiscarded:
		return "discarded"
	case EventCaptureFailed:
		return "capture_failed"
	case EventCaptureEnded:
		return "capture_ended"
	default:
		return "unknown"
	}
}

// Event is one recorder lifecycle notification. Every event names the session
// it belongs to so that consumers can ignore events of superseded sessions.
type Event struct {
	Kind      EventKind
	SessionID string

	// Duration is the session length at the time of the event.
	Duration time.Duration

	// Err is set for EventCaptureFailed.
	Err error
}

// CaptureErrorKind classifies capture acquisition failures.
type CaptureErrorKind int

const (
	CaptureUnknown CaptureErrorKind = iota
	CapturePermissionDenied
	CaptureDeviceNotFound
)

// String returns a short lower-case name.
func (k CaptureErrorKind) String() string {
	switch k {
	case CapturePermissionDenied:
		return "permission_denied"
	case CaptureDeviceNotFound:
		return "device_not_found"
	default:
		return "unknown"
	}
}

// CaptureError reports that the microphone could not be acquired.
type CaptureError struct {
	Kind CaptureErrorKind
	Err  error
}

// Error implements error.
func (e *CaptureError) Error() string {
	return fmt.Sprintf("recorder: capture unavailable (%s): %v", e.Kind, e.Err)
}

// Unwrap returns the underlying device error.
func (e *CaptureError) Unwrap() error { return e.Err }

// newCaptureError classifies a device error.
func newCaptureError(err error) *CaptureError {
	kind := CaptureUnknown
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		kind = CapturePermissionDenied
	case errors.Is(err, audio.ErrDeviceNotFound):
		kind = CaptureDeviceNotFound
	}
	return &CaptureError{Kind: kind, Err: err}
}
