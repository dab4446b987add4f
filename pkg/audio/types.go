package audio

import "time"

// Capture format constants. The remote speech service expects 16 kHz mono.
const (
	// SampleRate is the capture sample rate in Hz.
	SampleRate = 16000

	// Channels is the capture channel count.
	Channels = 1
)

// AudioFrame represents a single frame of captured audio flowing through the
// pipeline. Frames are transient: the capture pipeline owns them for the
// duration of one processing tick, during which they are analysed by VAD and
// encoded to PCM for the transport.
type AudioFrame struct {
	// Samples are normalised to the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for microphone capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration covered by the frame's samples.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
