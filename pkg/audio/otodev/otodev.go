// Package otodev implements [audio.Player] for mp3 reply fragments. Payloads
// are decoded with github.com/hajimehoshi/go-mp3 and played through
// github.com/ebitengine/oto/v3.
//
// oto allows a single context per process, so every Player shares one
// context that is created on the first Play. Decoded audio is mixed down to
// mono and resampled to the context rate before it is played.
package otodev

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/tressa/pkg/audio"
)

// DefaultSampleRate is the output rate used when none is configured. Speech
// services commonly deliver mp3 at this rate.
const DefaultSampleRate = 24000

// DefaultBufferSize is the oto buffer in bytes, about 100ms at the default
// rate.
const DefaultBufferSize = 4800

// pollInterval is how often Play checks whether the fragment finished.
const pollInterval = 10 * time.Millisecond

// ErrEmptyPayload is returned for a payload that decodes to no audio.
var ErrEmptyPayload = errors.New("otodev: payload contains no audio")

// shared is the process-wide oto context.
var shared struct {
	once sync.Once
	ctx  *oto.Context
	rate int
	err  error
}

// Option configures a [Player].
type Option func(*Player)

// WithSampleRate sets the output rate. It only takes effect for the Player
// that creates the shared context.
func WithSampleRate(rate int) Option {
	return func(p *Player) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// Player is an [audio.Player] playing mp3 payloads on the default output.
type Player struct {
	rate int
}

var _ audio.Player = (*Player)(nil)

// NewPlayer creates a Player. The output device is opened lazily.
func NewPlayer(opts ...Option) *Player {
	p := &Player{rate: DefaultSampleRate}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play decodes payload and blocks until it has been played or ctx is
// cancelled. Undecodable payloads fail before the output device is touched.
func (p *Player) Play(ctx context.Context, payload []byte) error {
	pcm, srcRate, err := decode(payload)
	if err != nil {
		return err
	}
	octx, rate, err := p.context()
	if err != nil {
		return err
	}
	pcm = audio.ResampleMono16(pcm, srcRate, rate)

	player := octx.NewPlayer(bytes.NewReader(pcm))
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if err := player.Err(); err != nil {
		return fmt.Errorf("otodev: play: %w", err)
	}
	return nil
}

// context returns the shared oto context, creating it at p's rate on first
// use.
func (p *Player) context() (*oto.Context, int, error) {
	shared.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   p.rate,
			ChannelCount: audio.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   DefaultBufferSize,
		})
		if err != nil {
			shared.err = fmt.Errorf("otodev: open output: %w", err)
			return
		}
		<-ready
		shared.ctx = ctx
		shared.rate = p.rate
	})
	return shared.ctx, shared.rate, shared.err
}

// decode turns an mp3 payload into mono signed 16-bit PCM and reports its
// sample rate.
func decode(payload []byte) ([]byte, int, error) {
	if len(payload) == 0 {
		return nil, 0, ErrEmptyPayload
	}
	dec, err := mp3.NewDecoder(bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("otodev: decode: %w", err)
	}
	stereo, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("otodev: decode: %w", err)
	}
	mono := downmix(stereo)
	if len(mono) == 0 {
		return nil, 0, ErrEmptyPayload
	}
	return mono, dec.SampleRate(), nil
}

// downmix averages interleaved stereo 16-bit little-endian samples into mono.
// A trailing partial sample pair is dropped.
func downmix(stereo []byte) []byte {
	n := len(stereo) / 4
	out := make([]byte, n*2)
	for i := range n {
		l := int32(int16(binary.LittleEndian.Uint16(stereo[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(stereo[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}
