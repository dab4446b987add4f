package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known audio backend names per kind.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = map[string][]string{
	"capture": {"exec", "malgo"},
	"player":  {"exec", "oto"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio must be within [0, 1], got %g", r))
	}

	// Transport
	if cfg.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	} else if u, err := url.Parse(cfg.Transport.URL); err != nil {
		errs = append(errs, fmt.Errorf("transport.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("transport.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if cfg.Transport.ReconnectBackoff < 0 {
		errs = append(errs, fmt.Errorf("transport.reconnect_backoff must not be negative, got %s", cfg.Transport.ReconnectBackoff))
	}
	if cfg.Transport.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.dial_timeout must not be negative, got %s", cfg.Transport.DialTimeout))
	}
	if cfg.Transport.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("transport.read_limit must not be negative, got %d", cfg.Transport.ReadLimit))
	}

	// VAD
	if err := cfg.VAD.Resolve().Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.VAD.RMSThreshold > 0.5 {
		slog.Warn("vad.rms_threshold is unusually high; quiet speakers may never be detected",
			"rms_threshold", cfg.VAD.RMSThreshold,
		)
	}

	// Conversation
	if cfg.Conversation.InactivityTimeout < 0 {
		errs = append(errs, fmt.Errorf("conversation.inactivity_timeout must not be negative, got %s", cfg.Conversation.InactivityTimeout))
	}
	if cfg.Conversation.WakeCooldown < 0 {
		errs = append(errs, fmt.Errorf("conversation.wake_cooldown must not be negative, got %s", cfg.Conversation.WakeCooldown))
	}

	// Audio
	validateBackendName("capture", cfg.Audio.Capture.Name)
	validateBackendName("player", cfg.Audio.Player.Name)
	if cfg.Audio.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.sample_rate must not be negative, got %d", cfg.Audio.Capture.SampleRate))
	}
	if cfg.Audio.Player.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.player.sample_rate must not be negative, got %d", cfg.Audio.Player.SampleRate))
	}
	if cfg.Audio.Capture.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.frame_duration must not be negative, got %s", cfg.Audio.Capture.FrameDuration))
	}

	// History
	if cfg.History.Capacity < 0 {
		errs = append(errs, fmt.Errorf("history.capacity must not be negative, got %d", cfg.History.Capacity))
	}
	if cfg.History.PostgresDSN == "" {
		slog.Debug("history.postgres_dsn is empty; conversation history is kept in memory only")
	}

	// Wake
	if cfg.Wake.Debounce < 0 {
		errs = append(errs, fmt.Errorf("wake.debounce must not be negative, got %s", cfg.Wake.Debounce))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown audio backend name; may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
