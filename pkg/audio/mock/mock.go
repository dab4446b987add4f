// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice], [audio.CaptureStream], and [audio.Player] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16)
//	dev := &mock.Device{OpenResult: stream}
//	s, err := dev.Open(ctx, audio.DefaultConstraints())
//	stream.Push(frame)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tressa/pkg/audio"
)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.CaptureStream]. Frames pushed with
// [Stream.Push] are delivered on [Stream.Frames] in order.
type Stream struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	closed bool

	// CloseError is returned by the first Close call.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream creates a Stream whose frame channel has the given buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{frames: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.CaptureStream].
func (s *Stream) Frames() <-chan audio.AudioFrame {
	return s.frames
}

// Push delivers frame to the consumer. It blocks when the buffer is full and
// is a no-op after Close or End.
func (s *Stream) Push(frame audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames <- frame
}

// End closes the frame channel as if the device had gone away, without
// counting as a Close call.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Close implements [audio.CaptureStream]. Only the first call returns CloseError.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return s.CloseError
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// Ensure Stream implements audio.CaptureStream at compile time.
var _ audio.CaptureStream = (*Stream)(nil)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// OpenCall records a single invocation of [Device.Open].
type OpenCall struct {
	Constraints audio.CaptureConstraints
}

// Device is a mock implementation of [audio.CaptureDevice].
type Device struct {
	mu sync.Mutex

	// OpenResult is returned by Open. If nil and OpenError is nil, Open returns
	// a fresh Stream with a 16-frame buffer and stores it in Opened.
	OpenResult audio.CaptureStream

	// OpenError, if non-nil, is returned by Open.
	OpenError error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	// Opened records every stream handed out by Open.
	Opened []audio.CaptureStream
}

// Open implements [audio.CaptureDevice].
func (d *Device) Open(_ context.Context, c audio.CaptureConstraints) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Constraints: c})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := d.OpenResult
	if s == nil {
		s = NewStream(16)
	}
	d.Opened = append(d.Opened, s)
	return s, nil
}

// OpenCount returns the number of Open calls. Thread-safe.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// Ensure Device implements audio.CaptureDevice at compile time.
var _ audio.CaptureDevice = (*Device)(nil)

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player].
//
// By default Play returns immediately. Set Block to make every Play call wait
// until [Player.Release] is called (or ctx is cancelled), which lets tests
// observe the queue while an item is playing.
type Player struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// ErrFor returns a per-payload error. Takes precedence over PlayErr when
	// it returns non-nil.
	ErrFor func(payload []byte) error

	// Block makes Play wait for Release.
	Block bool

	// Payloads records every payload passed to Play, in call order.
	Payloads [][]byte

	release chan struct{}
	started chan []byte
}

// Started returns a channel that receives each payload as Play begins. It is
// lazily created with a generous buffer; reads are optional.
func (p *Player) Started() <-chan []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initLocked()
	return p.started
}

// Release lets one blocked Play call return.
func (p *Player) Release() {
	p.mu.Lock()
	p.initLocked()
	ch := p.release
	p.mu.Unlock()
	ch <- struct{}{}
}

func (p *Player) initLocked() {
	if p.release == nil {
		p.release = make(chan struct{})
	}
	if p.started == nil {
		p.started = make(chan []byte, 64)
	}
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	p.initLocked()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	p.Payloads = append(p.Payloads, cp)
	block := p.Block
	release := p.release
	errFor := p.ErrFor
	err := p.PlayErr
	select {
	case p.started <- cp:
	default:
	}
	p.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
		}
	}
	if errFor != nil {
		if e := errFor(cp); e != nil {
			return e
		}
	}
	return err
}

// Played returns a copy of the recorded payloads. Thread-safe.
func (p *Player) Played() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.Payloads))
	copy(out, p.Payloads)
	return out
}

// Ensure Player implements audio.Player at compile time.
var _ audio.Player = (*Player)(nil)
