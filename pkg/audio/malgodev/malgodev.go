// Package malgodev implements [audio.CaptureDevice] on miniaudio through
// github.com/gen2brain/malgo.
//
// Each stream owns its own malgo context and capture device, configured for
// signed 16-bit mono PCM delivered in fixed periods. When the hardware runs
// at a different rate than the pipeline asks for, periods are resampled
// before they become frames.
package malgodev

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/tressa/pkg/audio"
)

// DefaultPeriod is the amount of audio the device delivers per callback.
const DefaultPeriod = 20 * time.Millisecond

// frameBuffer is the number of converted frames buffered ahead of the reader.
const frameBuffer = 32

// device is the part of a started malgo device the stream drives.
type device interface {
	Start() error
	Stop() error
	Uninit()
}

// openFunc initialises a capture device that reports every period of PCM to
// onData. release frees whatever the device was opened on.
type openFunc func(rate int, period time.Duration, onData func([]byte)) (dev device, release func(), err error)

// Option configures a [Capture].
type Option func(*Capture)

// WithDeviceRate opens the hardware at rate Hz instead of the rate the
// pipeline asks for. Frames are resampled to the requested rate.
func WithDeviceRate(rate int) Option {
	return func(c *Capture) {
		if rate > 0 {
			c.deviceRate = rate
		}
	}
}

// WithPeriod sets the callback period of the device.
func WithPeriod(d time.Duration) Option {
	return func(c *Capture) {
		if d > 0 {
			c.period = d
		}
	}
}

// WithLogger sets the logger used for dropped periods.
func WithLogger(l *slog.Logger) Option {
	return func(c *Capture) {
		if l != nil {
			c.log = l
		}
	}
}

// Capture is an [audio.CaptureDevice] reading the default microphone.
type Capture struct {
	deviceRate int
	period     time.Duration
	log        *slog.Logger
	open       openFunc
}

var _ audio.CaptureDevice = (*Capture)(nil)

// NewCapture creates a Capture on the host's default capture device.
func NewCapture(opts ...Option) *Capture {
	c := &Capture{
		period: DefaultPeriod,
		log:    slog.Default(),
		open:   openMalgo,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open initialises and starts the capture device. Initialisation failures
// wrap [audio.ErrPermissionDenied] or [audio.ErrDeviceNotFound] when the
// backend reports one of those causes.
func (c *Capture) Open(ctx context.Context, cons audio.CaptureConstraints) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("malgodev: capture: %w", err)
	}
	rate := cons.SampleRate
	if rate <= 0 {
		rate = audio.SampleRate
	}
	devRate := c.deviceRate
	if devRate <= 0 {
		devRate = rate
	}

	s := &captureStream{
		rate:    rate,
		devRate: devRate,
		log:     c.log,
		raw:     make(chan []byte, frameBuffer),
		frames:  make(chan audio.AudioFrame, frameBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	dev, release, err := c.open(devRate, c.period, s.onData)
	if err != nil {
		return nil, fmt.Errorf("malgodev: capture: init device: %w", classify(err))
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		release()
		return nil, fmt.Errorf("malgodev: capture: start device: %w", classify(err))
	}
	s.dev = dev
	s.release = release

	go s.convert()
	return s, nil
}

type captureStream struct {
	rate    int
	devRate int
	log     *slog.Logger
	dev     device
	release func()

	mu      sync.Mutex
	stopped bool
	raw     chan []byte
	dropped atomic.Int64

	frames    chan audio.AudioFrame
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *captureStream) Frames() <-chan audio.AudioFrame { return s.frames }

// onData runs on the audio thread. It never blocks: a period arriving while
// the converter is behind is dropped.
func (s *captureStream) onData(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	select {
	case s.raw <- buf:
	default:
		s.dropped.Add(1)
	}
}

// convert turns device periods into pipeline frames until raw is closed.
func (s *captureStream) convert() {
	defer close(s.done)
	defer close(s.frames)

	var offset time.Duration
	for buf := range s.raw {
		pcm := audio.ResampleMono16(buf, s.devRate, s.rate)
		if len(pcm) < 2 {
			continue
		}
		f := audio.AudioFrame{
			Samples:    audio.PCM16ToFloat(pcm),
			SampleRate: s.rate,
			Timestamp:  offset,
		}
		offset += f.Duration()
		select {
		case s.frames <- f:
		case <-s.quit:
			return
		}
	}
}

// Close stops and releases the device, then closes the frame channel.
// Idempotent.
func (s *captureStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.dev.Stop()
		s.dev.Uninit()

		s.mu.Lock()
		s.stopped = true
		close(s.raw)
		s.mu.Unlock()

		close(s.quit)
		<-s.done
		s.release()

		if n := s.dropped.Load(); n > 0 {
			s.log.Warn("malgodev: capture periods dropped", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("malgodev: capture: stop device: %w", err)
	}
	return nil
}

// openMalgo opens the default capture device in its own malgo context.
func openMalgo(rate int, period time.Duration, onData func([]byte)) (device, func(), error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = audio.Channels
	cfg.SampleRate = uint32(rate)
	cfg.PeriodSizeInMilliseconds = uint32(period / time.Millisecond)

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { onData(input) },
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	return dev, release, nil
}

// classify maps backend failures onto the audio sentinel errors.
func classify(err error) error {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "access denied"), strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "not permitted"):
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	case strings.Contains(lower, "no device"), strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "no backend"), strings.Contains(lower, "device not"):
		return fmt.Errorf("%w: %v", audio.ErrDeviceNotFound, err)
	}
	return err
}
