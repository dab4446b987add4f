package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// Reload is one accepted change of the config file.
type Reload struct {
	Old, New *Config

	// Diff is never empty: edits that change no setting (comments,
	// reordering, explicit defaults) are absorbed by the watcher.
	Diff ConfigDiff
}

// Watcher polls a config file and hands every valid, effective change to
// a callback. Invalid edits are reported once and leave the running config
// in place until the file changes again.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(Reload)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	hash    [sha256.Size]byte

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. apply runs on the polling
// goroutine, one reload at a time; a nil apply only tracks [Watcher.Current].
func NewWatcher(path string, apply func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.mtime, w.hash = cfg, mtime, sha256.Sum256(data)

	go w.poll()
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Once it returns no further reload is applied.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if r, ok := w.check(); ok && w.apply != nil {
				w.apply(r)
			}
		}
	}
}

// check returns the reload to apply, if the file changed to a new valid
// config that alters at least one setting.
func (w *Watcher) check() (Reload, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return Reload{}, false
	}

	w.mu.Lock()
	seen := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if seen {
		return Reload{}, false
	}

	data, mtime, err := w.read()
	if err != nil {
		w.log.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return Reload{}, false
	}
	hash := sha256.Sum256(data)

	w.mu.Lock()
	defer w.mu.Unlock()
	// Remember the mtime whatever the outcome, so a broken edit is reported
	// once rather than on every tick.
	w.mtime = mtime
	if hash == w.hash {
		return Reload{}, false
	}
	w.hash = hash

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.log.Warn("config watcher: keeping the running configuration", "path", w.path, "err", err)
		return Reload{}, false
	}

	old := w.current
	w.current = cfg
	d := Diff(old, cfg)
	if d.Empty() {
		w.log.Debug("config watcher: file changed without effect", "path", w.path)
		return Reload{}, false
	}
	w.log.Info("config watcher: configuration reloaded", "path", w.path, "changes", describe(d))
	return Reload{Old: old, New: cfg, Diff: d}, true
}

func (w *Watcher) read() ([]byte, time.Time, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, time.Time{}, err
	}
	return buf.Bytes(), info.ModTime(), nil
}

// describe names the changed settings for logging.
func describe(d ConfigDiff) []string {
	var out []string
	if d.LogLevelChanged {
		out = append(out, "server.log_level")
	}
	if d.VADChanged {
		out = append(out, "vad")
	}
	if d.ConversationChanged {
		out = append(out, "conversation")
	}
	return append(out, d.RestartRequired...)
}
