// Package execdev implements [audio.CaptureDevice] and [audio.Player] on top of
// external command-line audio tools.
//
// Capture runs a recorder that writes raw signed 16-bit little-endian mono PCM
// to stdout (arecord by default) and slices it into fixed-size frames. Player
// pipes each payload into a decoder that plays stdin and exits at EOF (ffplay
// by default). Both tools are resolved on PATH when a stream is opened or a
// payload is played, so a missing tool surfaces as [audio.ErrDeviceNotFound]
// rather than at construction.
package execdev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/tressa/pkg/audio"
)

// Default commands.
var (
	DefaultCaptureCommand = []string{"arecord", "-q", "-t", "raw", "-f", "S16_LE", "-r", "16000", "-c", "1"}
	DefaultPlayerCommand  = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-"}
)

// DefaultFrameDuration is the amount of audio carried by one captured frame.
const DefaultFrameDuration = 20 * time.Millisecond

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithCaptureCommand replaces the recorder command line.
func WithCaptureCommand(argv ...string) CaptureOption {
	return func(c *Capture) {
		if len(argv) > 0 {
			c.argv = argv
		}
	}
}

// WithFrameDuration sets the duration of audio carried by each frame.
func WithFrameDuration(d time.Duration) CaptureOption {
	return func(c *Capture) {
		if d > 0 {
			c.frameDur = d
		}
	}
}

// WithDeviceRate declares the rate the recorder command emits. Frames are
// resampled from it to the rate passed to Open.
func WithDeviceRate(rate int) CaptureOption {
	return func(c *Capture) {
		if rate > 0 {
			c.deviceRate = rate
		}
	}
}

// Capture is an [audio.CaptureDevice] backed by an external recorder process.
// Without [WithDeviceRate] the recorder must already emit the rate passed to
// Open.
type Capture struct {
	argv       []string
	frameDur   time.Duration
	deviceRate int
}

var _ audio.CaptureDevice = (*Capture)(nil)

// NewCapture creates a Capture with the default arecord command line.
func NewCapture(opts ...CaptureOption) *Capture {
	c := &Capture{
		argv:     DefaultCaptureCommand,
		frameDur: DefaultFrameDuration,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open starts the recorder and waits for its first frame so that permission
// and device errors are reported here rather than as an empty stream.
func (c *Capture) Open(ctx context.Context, cons audio.CaptureConstraints) (audio.CaptureStream, error) {
	rate := cons.SampleRate
	if rate <= 0 {
		rate = audio.SampleRate
	}
	if _, err := exec.LookPath(c.argv[0]); err != nil {
		return nil, fmt.Errorf("execdev: capture: %s: %w", c.argv[0], audio.ErrDeviceNotFound)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, c.argv[0], c.argv[1:]...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("execdev: capture: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("execdev: capture: start %s: %w", c.argv[0], classify(err.Error(), err))
	}

	devRate := c.deviceRate
	if devRate <= 0 {
		devRate = rate
	}
	frameBytes := int(int64(devRate)*int64(c.frameDur)/int64(time.Second)) * 2
	if frameBytes <= 0 {
		frameBytes = 2
	}

	s := &captureStream{
		cmd:     cmd,
		ctx:     procCtx,
		cancel:  cancel,
		frames:  make(chan audio.AudioFrame, 32),
		done:    make(chan struct{}),
		rate:    rate,
		devRate: devRate,
	}

	first := make(chan error, 1)
	go s.read(stdout, frameBytes, first)

	select {
	case err := <-first:
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("execdev: capture: %s: %w", c.argv[0], classify(stderr.String(), err))
		}
		return s, nil
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("execdev: capture: %w", ctx.Err())
	}
}

type captureStream struct {
	cmd     *exec.Cmd
	ctx     context.Context
	cancel  context.CancelFunc
	frames  chan audio.AudioFrame
	done    chan struct{}
	rate    int
	devRate int

	closeOnce sync.Once
}

func (s *captureStream) Frames() <-chan audio.AudioFrame { return s.frames }

// Close kills the recorder and waits for the reader to finish. Idempotent.
func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		_ = s.cmd.Wait()
	})
	return nil
}

// read slices stdout into frames. The result of the first full frame is
// reported on first; the frame channel is closed when stdout ends.
func (s *captureStream) read(r io.Reader, frameBytes int, first chan<- error) {
	defer close(s.done)
	defer close(s.frames)

	var offset time.Duration
	reported := false
	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(r, buf)
		if n >= 2 {
			if !reported {
				first <- nil
				reported = true
			}
			f := audio.AudioFrame{
				Samples:    audio.PCM16ToFloat(audio.ResampleMono16(buf[:n], s.devRate, s.rate)),
				SampleRate: s.rate,
				Timestamp:  offset,
			}
			offset += f.Duration()
			select {
			case s.frames <- f:
			case <-s.ctx.Done():
				return
			}
		}
		if err != nil {
			if !reported {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					err = errors.New("recorder exited before producing audio")
				}
				first <- err
			}
			return
		}
	}
}

// ─── Player ───────────────────────────────────────────────────────────────────

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithPlayerCommand replaces the decoder command line. The command must read
// the payload from stdin and exit when playback ends.
func WithPlayerCommand(argv ...string) PlayerOption {
	return func(p *Player) {
		if len(argv) > 0 {
			p.argv = argv
		}
	}
}

// Player is an [audio.Player] that runs one decoder process per payload.
type Player struct {
	argv []string
}

var _ audio.Player = (*Player)(nil)

// NewPlayer creates a Player with the default ffplay command line.
func NewPlayer(opts ...PlayerOption) *Player {
	p := &Player{argv: DefaultPlayerCommand}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play pipes payload into a fresh decoder process and waits for it to exit.
// Cancelling ctx kills the process.
func (p *Player) Play(ctx context.Context, payload []byte) error {
	if _, err := exec.LookPath(p.argv[0]); err != nil {
		return fmt.Errorf("execdev: play: %s: %w", p.argv[0], audio.ErrDeviceNotFound)
	}
	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("execdev: play: %w: %s", err, msg)
		}
		return fmt.Errorf("execdev: play: %w", err)
	}
	return nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// classify maps recorder diagnostics onto the audio sentinel errors.
func classify(stderr string, err error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "operation not permitted"):
		return fmt.Errorf("%w: %s", audio.ErrPermissionDenied, strings.TrimSpace(stderr))
	case strings.Contains(lower, "no such file"), strings.Contains(lower, "no such device"),
		strings.Contains(lower, "audio open error"), strings.Contains(lower, "cannot find card"):
		return fmt.Errorf("%w: %s", audio.ErrDeviceNotFound, strings.TrimSpace(stderr))
	}
	if msg := strings.TrimSpace(stderr); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of exec's
// stderr copier and reads from Open.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
