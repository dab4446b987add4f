package vad_test

import (
	"testing"
	"time"

	"github.com/MrWong99/tressa/pkg/provider/vad"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*vad.Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*vad.Config) {}},
		{name: "zero threshold", mutate: func(c *vad.Config) { c.RMSThreshold = 0 }, wantErr: true},
		{name: "negative silence frames", mutate: func(c *vad.Config) { c.SilenceFrameThreshold = -1 }, wantErr: true},
		{name: "zero check interval", mutate: func(c *vad.Config) { c.CheckInterval = 0 }, wantErr: true},
		{name: "min above max", mutate: func(c *vad.Config) { c.MinAudioDuration = time.Minute }, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := vad.DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPhaseString(t *testing.T) {
	t.Parallel()
	want := map[vad.Phase]string{
		vad.PhaseIdle:               "IDLE",
		vad.PhaseWaitingForSpeech:   "WAITING_FOR_SPEECH",
		vad.PhaseSpeaking:           "SPEAKING",
		vad.PhaseSilenceAfterSpeech: "SILENCE_AFTER_SPEECH",
		vad.Phase(99):               "UNKNOWN",
	}
	for p, s := range want {
		if got := p.String(); got != s {
			t.Errorf("Phase(%d).String() = %q, want %q", int(p), got, s)
		}
	}
}
