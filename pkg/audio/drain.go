package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a producer keeps writing after the
// consumer has lost interest (e.g., the frame channel of a [CaptureStream]
// that is being closed).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
