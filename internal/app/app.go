// Package app wires all tressa subsystems into a running voice session
// engine.
//
// The [App] struct owns the full lifecycle: construction via [New], running
// via [App.Run], hot reload via [App.ApplyConfig], and teardown via
// [App.Shutdown]. Every external dependency (capture device, player, history
// store, transport dialer) can be injected with an [Option], which is how the
// tests replace them with mocks.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tressa/internal/config"
	"github.com/MrWong99/tressa/internal/conversation"
	"github.com/MrWong99/tressa/internal/health"
	"github.com/MrWong99/tressa/internal/history"
	"github.com/MrWong99/tressa/internal/observe"
	"github.com/MrWong99/tressa/internal/recorder"
	"github.com/MrWong99/tressa/internal/resilience"
	"github.com/MrWong99/tressa/internal/transport"
	"github.com/MrWong99/tressa/internal/wake"
	"github.com/MrWong99/tressa/pkg/audio"
	"github.com/MrWong99/tressa/pkg/audio/execdev"
	"github.com/MrWong99/tressa/pkg/audio/malgodev"
	"github.com/MrWong99/tressa/pkg/audio/otodev"
	"github.com/MrWong99/tressa/pkg/audio/playback"
	"github.com/MrWong99/tressa/pkg/types"
)

// shutdownGrace bounds how long the HTTP server waits for in-flight requests.
const shutdownGrace = 5 * time.Second

// App owns every subsystem and their lifecycle.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	registry *config.Registry
	capture  audio.CaptureDevice
	player   audio.Player
	dialer   transport.Dialer

	transport *transport.Client
	recorder  *recorder.Controller
	queue     *playback.Queue
	wake      *wake.HTTPTrigger
	history   history.Store
	machine   *conversation.Machine
	handler   http.Handler

	// pinger checks the history database for readiness, when there is one.
	pinger interface{ Ping(context.Context) error }

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithRegistry sets the audio backend registry. By default a registry with
// the built-in backends is used.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithCaptureDevice overrides the capture backend selected in the config.
func WithCaptureDevice(d audio.CaptureDevice) Option {
	return func(a *App) { a.capture = d }
}

// WithPlayer overrides the playback backend selected in the config.
func WithPlayer(p audio.Player) Option {
	return func(a *App) { a.player = p }
}

// WithHistoryStore overrides the history store selected in the config. The
// App takes ownership and closes it on shutdown.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithLogger sets the logger handed to every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithLevelVar sets the level variable that [App.ApplyConfig] adjusts when
// the log level changes.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics sink handed to every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// New creates a new App by wiring all subsystems together. Dependencies not
// injected via options are built from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltinBackends(a.registry)
	}

	// ── 1. Audio backends ────────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, err
	}

	// ── 2. History store ─────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, err
	}

	// ── 3. Transport ─────────────────────────────────────────────────────────
	a.initTransport()

	// ── 4. Playback, wake bridge, recorder ──────────────────────────────────
	a.initPipeline()

	// ── 5. Conversation ──────────────────────────────────────────────────────
	a.machine = conversation.New(a.transport, a.recorder, a.queue, a.player, a.wake,
		conversation.WithConfig(ConversationConfig(cfg.Conversation)),
		conversation.WithHistory(a.history),
		conversation.WithLogger(a.log),
		conversation.WithMetrics(a.metrics),
	)

	// ── 6. HTTP surface ──────────────────────────────────────────────────────
	a.handler = a.buildHandler()

	a.log.Info("app initialised",
		"transport", cfg.Transport.URL,
		"capture", cfg.Audio.Capture.Name,
		"player", cfg.Audio.Player.Name,
		"vad_enabled", cfg.VAD.Resolve().Enabled,
	)
	return a, nil
}

// RegisterBuiltinBackends wires the audio backends that ship with tressa
// into reg: "malgo" capture and "oto" playback on the host audio stack, and
// "exec" for both through external tools.
func RegisterBuiltinBackends(reg *config.Registry) {
	reg.RegisterCapture("malgo", func(e config.BackendEntry) (audio.CaptureDevice, error) {
		opts := []malgodev.Option{malgodev.WithDeviceRate(e.SampleRate)}
		if e.FrameDuration > 0 {
			opts = append(opts, malgodev.WithPeriod(e.FrameDuration))
		}
		return malgodev.NewCapture(opts...), nil
	})
	reg.RegisterPlayer("oto", func(e config.BackendEntry) (audio.Player, error) {
		return otodev.NewPlayer(otodev.WithSampleRate(e.SampleRate)), nil
	})

	reg.RegisterCapture("exec", func(e config.BackendEntry) (audio.CaptureDevice, error) {
		var opts []execdev.CaptureOption
		if len(e.Command) > 0 {
			opts = append(opts, execdev.WithCaptureCommand(e.Command...))
		}
		if e.FrameDuration > 0 {
			opts = append(opts, execdev.WithFrameDuration(e.FrameDuration))
		}
		if e.SampleRate > 0 {
			opts = append(opts, execdev.WithDeviceRate(e.SampleRate))
		}
		return execdev.NewCapture(opts...), nil
	})
	reg.RegisterPlayer("exec", func(e config.BackendEntry) (audio.Player, error) {
		var opts []execdev.PlayerOption
		if len(e.Command) > 0 {
			opts = append(opts, execdev.WithPlayerCommand(e.Command...))
		}
		return execdev.NewPlayer(opts...), nil
	})
}

// ConversationConfig converts the YAML conversation block into a machine
// configuration, filling unset values with the machine defaults.
func ConversationConfig(c config.ConversationConfig) conversation.Config {
	out := conversation.DefaultConfig()
	out.GreetingHandshake = config.BoolOr(c.GreetingHandshake, out.GreetingHandshake)
	out.ResumeAfterReply = config.BoolOr(c.ResumeAfterReply, out.ResumeAfterReply)
	if c.InactivityTimeout > 0 {
		out.InactivityTimeout = c.InactivityTimeout
	}
	if c.WakeCooldown > 0 {
		out.WakeCooldown = c.WakeCooldown
	}
	return out
}

// initAudio creates the capture and playback backends unless injected.
func (a *App) initAudio() error {
	if a.capture == nil {
		dev, err := a.registry.CreateCapture(a.cfg.Audio.Capture)
		if err != nil {
			return fmt.Errorf("app: create capture backend %q: %w", a.cfg.Audio.Capture.Name, err)
		}
		a.capture = dev
	}
	if a.player == nil {
		p, err := a.registry.CreatePlayer(a.cfg.Audio.Player)
		if err != nil {
			return fmt.Errorf("app: create player backend %q: %w", a.cfg.Audio.Player.Name, err)
		}
		a.player = p
	}
	return nil
}

// initHistory opens the configured history store unless injected.
func (a *App) initHistory(ctx context.Context) error {
	if a.history == nil {
		if dsn := a.cfg.History.PostgresDSN; dsn != "" {
			store, err := history.NewPostgresStore(ctx, dsn)
			if err != nil {
				return fmt.Errorf("app: %w", err)
			}
			a.pinger = store
			a.history = history.NewGuarded(store, resilience.New(
				resilience.WithName("history"),
				resilience.WithLogger(a.log),
			))
			a.log.Info("history: using postgres store")
		} else {
			a.history = history.NewMemStore(a.cfg.History.Capacity)
			a.log.Info("history: using in-memory store", "capacity", a.cfg.History.Capacity)
		}
	}
	a.closers = append(a.closers, a.history.Close)
	return nil
}

func (a *App) initTransport() {
	dialer := a.dialer
	if dialer == nil {
		dialer = transport.WebsocketDialer{
			ReadLimit: a.cfg.Transport.ReadLimit,
			Timeout:   a.cfg.Transport.DialTimeout,
		}
	}
	a.transport = transport.New(a.cfg.Transport.URL,
		transport.WithDialer(dialer),
		transport.WithReconnectBackoff(a.cfg.Transport.ReconnectBackoff),
		transport.WithLogger(a.log),
		transport.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.transport.Close)
}

func (a *App) initPipeline() {
	a.queue = playback.New(a.player,
		playback.WithLogger(a.log),
		playback.WithErrorHandler(func(playback.Item, error) {
			a.metrics.RecordPlayback(context.Background(), "failed")
		}),
	)
	a.closers = append(a.closers, a.queue.Close)

	wakeOpts := []wake.Option{
		wake.WithLogger(a.log),
		wake.WithMetrics(a.metrics),
		wake.WithDebounce(a.cfg.Wake.Debounce),
	}
	if a.cfg.Wake.AssumeLoaded {
		wakeOpts = append(wakeOpts, wake.WithInitialStatus(wake.Status{Loaded: true, Listening: true}))
	}
	a.wake = wake.NewHTTPTrigger(wakeOpts...)

	// The machine is created after the recorder; the mode source only runs
	// once a recording starts, by which point a.machine is set.
	a.recorder = recorder.New(a.transport, a.capture,
		recorder.WithVADConfig(a.cfg.VAD.Resolve()),
		recorder.WithModeSource(func() types.Mode { return a.machine.Mode() }),
		recorder.WithLogger(a.log),
		recorder.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func() error {
		a.recorder.Stop("shutdown")
		return nil
	})
}

// buildHandler assembles the HTTP surface: health checks, metrics, the wake bridge,
// the history API, and the conversation state endpoint.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	checks := []health.Checker{
		health.Condition("transport", a.transport.IsConnected, "not connected"),
		health.Condition("wake", func() bool { return a.wake.Status().Loaded }, "wake engine not loaded"),
	}
	if a.pinger != nil {
		checks = append(checks, health.Checker{Name: "history", Check: a.pinger.Ping})
	}
	if g, ok := a.history.(*history.Guarded); ok {
		// Turns are recorded best effort, so a shedding store only degrades.
		checks = append(checks, health.Degrades(health.Condition("history_breaker", g.Healthy, "circuit open")))
	}
	health.New(checks).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.wake.Register(mux)
	history.NewHandler(a.history, a.log).Register(mux)
	mux.HandleFunc("GET /state", a.handleState)

	return observe.Middleware(a.metrics, observe.WithRequestLogger(a.log))(mux)
}

// stateResponse is the body of GET /state.
type stateResponse struct {
	conversation.Snapshot
	Transport transport.State `json:"transport"`
	Wake      wake.Status     `json:"wake"`
}

func (a *App) handleState(w http.ResponseWriter, _ *http.Request) {
	body := stateResponse{
		Snapshot:  a.machine.Snapshot(),
		Transport: a.transport.State(),
		Wake:      a.wake.Status(),
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Warn("state: encode response", "err", err)
	}
}

// Handler returns the HTTP handler serving the App's endpoints.
func (a *App) Handler() http.Handler { return a.handler }

// Machine returns the conversation state machine.
func (a *App) Machine() *conversation.Machine { return a.machine }

// Wake returns the wake bridge.
func (a *App) Wake() *wake.HTTPTrigger { return a.wake }

// Transport returns the transport client.
func (a *App) Transport() *transport.Client { return a.transport }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the transport, the conversation loop and the HTTP server, and
// blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.transport.Run(gctx) })
	g.Go(func() error { return a.machine.Run(gctx) })

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("http server listening", "addr", addr, "tls", a.cfg.Server.TLS != nil)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config reload. Settings
// that need a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(r config.Reload) {
	d := r.Diff
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		a.recorder.SetVADConfig(d.NewVAD.Resolve())
		a.log.Info("vad config updated; applies to the next recording")
	}
	if d.ConversationChanged {
		a.machine.SetConfig(ConversationConfig(d.NewConversation))
		a.log.Info("conversation config updated")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "settings", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
