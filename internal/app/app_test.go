package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tressa/internal/app"
	"github.com/MrWong99/tressa/internal/config"
	"github.com/MrWong99/tressa/internal/conversation"
	"github.com/MrWong99/tressa/internal/health"
	"github.com/MrWong99/tressa/internal/history"
	"github.com/MrWong99/tressa/internal/resilience"
	"github.com/MrWong99/tressa/internal/transport"
	audiomock "github.com/MrWong99/tressa/pkg/audio/mock"
	"github.com/MrWong99/tressa/pkg/types"
)

// refusingDialer never connects, which keeps the transport in its reconnect
// loop for the whole test.
type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string) (transport.Conn, error) {
	return nil, errors.New("connection refused")
}

// closeCounter is a history store that counts Close calls.
type closeCounter struct {
	*history.MemStore
	mu     sync.Mutex
	closes int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// testConfig returns a fully defaulted config for tests.
func testConfig() *config.Config {
	cfg := &config.Config{
		Transport: config.TransportConfig{
			URL:              "ws://127.0.0.1:1/ws",
			ReconnectBackoff: time.Hour,
		},
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *closeCounter) {
	t.Helper()
	store := &closeCounter{MemStore: history.NewMemStore(10)}
	base := []app.Option{
		app.WithCaptureDevice(&audiomock.Device{}),
		app.WithPlayer(&audiomock.Player{}),
		app.WithHistoryStore(store),
		app.WithDialer(refusingDialer{}),
	}
	a, err := app.New(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, store
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, testConfig())
	if a.Machine() == nil || a.Wake() == nil || a.Transport() == nil {
		t.Fatal("New() left a subsystem nil")
	}
	if got := a.Machine().Mode(); got != types.ModeStandby {
		t.Errorf("initial mode = %v, want STANDBY", got)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Audio.Capture.Name = "alsa"
	_, err := app.New(context.Background(), cfg,
		app.WithPlayer(&audiomock.Player{}),
		app.WithHistoryStore(history.NewMemStore(1)),
	)
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("New() error = %v, want ErrBackendNotRegistered", err)
	}
}

func TestNew_BuiltinBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Audio.Capture.Command = []string{"arecord", "-q"}
	a, err := app.New(context.Background(), cfg,
		app.WithHistoryStore(history.NewMemStore(1)),
		app.WithDialer(refusingDialer{}),
	)
	if err != nil {
		t.Fatalf("New() with exec backends returned error: %v", err)
	}
	_ = a.Shutdown(context.Background())
}

func TestRegisterBuiltinBackends(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinBackends(reg)

	for _, name := range []string{"exec", "malgo"} {
		dev, err := reg.CreateCapture(config.BackendEntry{Name: name, SampleRate: 48000})
		if err != nil || dev == nil {
			t.Errorf("capture %q: dev=%v err=%v", name, dev, err)
		}
	}
	for _, name := range []string{"exec", "oto"} {
		p, err := reg.CreatePlayer(config.BackendEntry{Name: name, SampleRate: 44100})
		if err != nil || p == nil {
			t.Errorf("player %q: player=%v err=%v", name, p, err)
		}
	}
}

func TestNew_NativeBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Audio.Capture.Name = "malgo"
	cfg.Audio.Player.Name = "oto"
	a, err := app.New(context.Background(), cfg,
		app.WithHistoryStore(history.NewMemStore(1)),
		app.WithDialer(refusingDialer{}),
	)
	if err != nil {
		t.Fatalf("New() with malgo/oto backends returned error: %v", err)
	}
	_ = a.Shutdown(context.Background())
}

func TestConversationConfig(t *testing.T) {
	t.Parallel()

	no := false
	tests := []struct {
		name string
		in   config.ConversationConfig
		want conversation.Config
	}{
		{
			name: "defaults",
			want: conversation.DefaultConfig(),
		},
		{
			name: "overrides",
			in: config.ConversationConfig{
				GreetingHandshake: &no,
				ResumeAfterReply:  &no,
				InactivityTimeout: 3 * time.Second,
				WakeCooldown:      time.Second,
			},
			want: conversation.Config{
				InactivityTimeout: 3 * time.Second,
				WakeCooldown:      time.Second,
			},
		},
		{
			name: "negative timings fall back",
			in:   config.ConversationConfig{InactivityTimeout: -time.Second},
			want: conversation.DefaultConfig(),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := app.ConversationConfig(tc.in); got != tc.want {
				t.Errorf("ConversationConfig() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusServiceUnavailable},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/state", http.StatusOK},
		{http.MethodGet, "/history", http.StatusOK},
		{http.MethodGet, "/wake/status", http.StatusOK},
	}
	for _, tc := range tests {
		req, _ := http.NewRequest(tc.method, srv.URL+tc.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s status = %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}
}

// downStore fails every write, standing in for an unreachable database.
type downStore struct{ *history.MemStore }

func (downStore) Record(context.Context, history.Turn) error {
	return errors.New("connection refused")
}

func TestReadyz_HistoryBreakerDegrades(t *testing.T) {
	t.Parallel()

	guarded := history.NewGuarded(downStore{history.NewMemStore(1)},
		resilience.New(resilience.WithName("history"), resilience.WithMaxFailures(1)))
	a, err := app.New(context.Background(), testConfig(),
		app.WithCaptureDevice(&audiomock.Device{}),
		app.WithPlayer(&audiomock.Player{}),
		app.WithHistoryStore(guarded),
		app.WithDialer(refusingDialer{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	readiness := func() health.CheckResult {
		t.Helper()
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		var rep health.Report
		if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
			t.Fatalf("decode /readyz: %v", err)
		}
		return rep.Checks["history_breaker"]
	}

	if got := readiness(); got.Status != health.StatusOK || !got.Optional {
		t.Fatalf("history_breaker before failures = %+v, want optional ok", got)
	}
	_ = guarded.Record(context.Background(), history.Turn{ID: "turn-1"})
	if got := readiness(); got.Status != health.StatusFail || got.Error != "circuit open" {
		t.Errorf("history_breaker after a failed write = %+v, want circuit open", got)
	}
}

func TestState_ReportsSnapshot(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, testConfig())
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))

	var body struct {
		Mode      string `json:"mode"`
		Transport struct {
			Open bool `json:"open"`
		} `json:"transport"`
		Wake struct {
			Loaded bool `json:"loaded"`
		} `json:"wake"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode /state: %v", err)
	}
	if body.Mode != "STANDBY" {
		t.Errorf("mode = %q, want STANDBY", body.Mode)
	}
	if body.Transport.Open {
		t.Error("transport reported open")
	}
	if body.Wake.Loaded {
		t.Error("wake reported loaded without a status post")
	}
}

func TestRun_WakeOverHTTP(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Wake.AssumeLoaded = true
	a, _ := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	sub := a.Machine().Subscribe(8)
	defer sub.Unsubscribe()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/wake", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /wake status = %d, want 202", rec.Code)
	}

	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case s := <-sub.C():
			done = s.Mode == types.ModeListening
		case <-deadline:
			t.Fatal("machine never reached LISTENING after a wake post")
		}
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run() returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	select {
	case <-a.Machine().Done():
	default:
		t.Error("machine still running after Run returned")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	old := testConfig()
	a, _ := newTestApp(t, old, app.WithLevelVar(level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	no := false
	next.Conversation.ResumeAfterReply = &no
	next.Conversation.WakeCooldown = 7 * time.Second
	next.Transport.URL = "ws://elsewhere/ws"

	a.ApplyConfig(config.Reload{Old: old, New: next, Diff: config.Diff(old, next)})

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
	got := a.Machine().Config()
	if got.ResumeAfterReply {
		t.Error("ResumeAfterReply not applied")
	}
	if got.WakeCooldown != 7*time.Second {
		t.Errorf("WakeCooldown = %v, want 7s", got.WakeCooldown)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a, store := newTestApp(t, testConfig())
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() returned error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() returned error: %v", err)
	}
	if got := store.count(); got != 1 {
		t.Errorf("history Close calls = %d, want 1", got)
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()

	a, store := newTestApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown() error = %v, want context.Canceled", err)
	}
	if got := store.count(); got != 0 {
		t.Errorf("history Close calls = %d, want 0", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := app.SlogLevel(tc.in); got != tc.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
