package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes carry their new value; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VADChanged bool
	NewVAD     VADConfig

	ConversationChanged bool
	NewConversation     ConversationConfig

	// RestartRequired names the changed settings that only take effect after
	// a restart (e.g., "transport.url").
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADChanged && !d.ConversationChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD.Resolve() != new.VAD.Resolve() {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	if conversationKey(old.Conversation) != conversationKey(new.Conversation) {
		d.ConversationChanged = true
		d.NewConversation = new.Conversation
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("server.trace_sample_ratio", old.Server.TraceSampleRatio != new.Server.TraceSampleRatio)
	restart("transport", old.Transport != new.Transport)
	restart("audio.capture", !equalBackend(old.Audio.Capture, new.Audio.Capture))
	restart("audio.player", !equalBackend(old.Audio.Player, new.Audio.Player))
	restart("history", old.History != new.History)
	restart("wake", old.Wake != new.Wake)

	return d
}

// conversationSettings is ConversationConfig with pointers resolved.
type conversationSettings struct {
	greeting, resume bool
	inactivity       int64
	cooldown         int64
}

func conversationKey(c ConversationConfig) conversationSettings {
	return conversationSettings{
		greeting:   BoolOr(c.GreetingHandshake, true),
		resume:     BoolOr(c.ResumeAfterReply, true),
		inactivity: int64(c.InactivityTimeout),
		cooldown:   int64(c.WakeCooldown),
	}
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalBackend(a, b BackendEntry) bool {
	return a.Name == b.Name && a.FrameDuration == b.FrameDuration && a.SampleRate == b.SampleRate &&
		slices.Equal(a.Command, b.Command)
}
