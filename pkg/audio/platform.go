// Package audio defines the device abstractions and frame types used by the
// tressa voice pipeline.
//
// The two device contracts are:
//
//   - [CaptureDevice] acquires a microphone stream and returns a [CaptureStream]
//     delivering [AudioFrame] values until it is closed.
//   - [Player] plays one decodable audio payload to completion.
//
// Concrete implementations live in adapter packages (e.g., audio/execdev).
// The recorder and the playback queue depend only on these interfaces.
package audio

import (
	"context"
	"errors"
)

// Capture acquisition errors. Implementations wrap one of these so that callers
// can tell a permission problem apart from a missing device with [errors.Is].
var (
	// ErrPermissionDenied reports that the host refused microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceNotFound reports that no usable capture device exists.
	ErrDeviceNotFound = errors.New("audio: capture device not found")
)

// CaptureConstraints describes the stream a [CaptureDevice] should acquire.
type CaptureConstraints struct {
	// SampleRate in Hz. The pipeline uses 16000.
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// EchoCancellation asks the device to remove playback echo if supported.
	EchoCancellation bool

	// NoiseSuppression asks the device to suppress stationary noise if supported.
	NoiseSuppression bool
}

// DefaultConstraints returns the constraints used for microphone capture:
// 16 kHz, mono, echo cancellation and noise suppression enabled.
func DefaultConstraints() CaptureConstraints {
	return CaptureConstraints{
		SampleRate:       SampleRate,
		Channels:         Channels,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// CaptureStream is an acquired microphone stream.
//
// Frames is closed when the stream ends, either because Close was called or
// because the underlying device went away. Close is safe to call more than
// once; subsequent calls return nil.
type CaptureStream interface {
	// Frames returns the channel delivering captured frames in capture order.
	Frames() <-chan AudioFrame

	// Close tears down the stream and releases the device.
	Close() error
}

// CaptureDevice acquires microphone streams.
//
// Implementations must be safe for concurrent use, although the recorder never
// holds more than one stream at a time.
type CaptureDevice interface {
	// Open acquires a stream matching c. The supplied ctx governs the
	// acquisition only; the returned stream lives until Close is called.
	//
	// Errors wrap [ErrPermissionDenied] or [ErrDeviceNotFound] when the cause
	// is known.
	Open(ctx context.Context, c CaptureConstraints) (CaptureStream, error)
}

// Player plays decodable audio payloads (mp3, wav, ...) on the host's output
// device.
type Player interface {
	// Play blocks until payload has finished playing, playback failed, or ctx
	// was cancelled. Cancellation aborts playback and returns ctx.Err().
	Play(ctx context.Context, payload []byte) error
}
