package config

import "github.com/MrWong99/tressa/pkg/provider/vad"

// Resolve merges c over the detector defaults.
func (c VADConfig) Resolve() vad.Config {
	out := vad.DefaultConfig()
	out.Enabled = BoolOr(c.Enabled, true)
	if c.RMSThreshold != 0 {
		out.RMSThreshold = c.RMSThreshold
	}
	if c.SilenceFrameThreshold != 0 {
		out.SilenceFrameThreshold = c.SilenceFrameThreshold
	}
	if c.MinAudioDuration != 0 {
		out.MinAudioDuration = c.MinAudioDuration
	}
	if c.MaxRecordingDuration != 0 {
		out.MaxRecordingDuration = c.MaxRecordingDuration
	}
	if c.CheckInterval != 0 {
		out.CheckInterval = c.CheckInterval
	}
	return out
}
