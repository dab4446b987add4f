package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// peer is an httptest websocket server standing in for the speech service.
type peer struct {
	srv      *httptest.Server
	accepted chan *websocket.Conn
	received chan Message
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{
		accepted: make(chan *websocket.Conn, 8),
		received: make(chan Message, 64),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		p.accepted <- conn
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			p.received <- Message{Binary: typ == websocket.MessageBinary, Data: data}
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *peer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-p.accepted:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("peer never accepted a connection")
		return nil
	}
}

func (p *peer) expectNoAccept(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-p.accepted:
		t.Fatal("unexpected connection accepted")
	case <-time.After(within):
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		var zero T
		return zero
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_SendAndReceive(t *testing.T) {
	t.Parallel()
	p := newPeer(t)
	c := New(p.url())
	t.Cleanup(c.Disconnect)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := p.accept(t)
	if !c.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}

	ctx := context.Background()
	if err := c.SendEvent(ctx, "client:record", nil); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	got := recv(t, p.received)
	if got.Binary || string(got.Data) != `{"event":"client:record","data":{}}` {
		t.Errorf("peer received %+v (%s)", got, got.Data)
	}

	if err := c.SendBytes(ctx, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("SendBytes: %v", err)
	}
	got = recv(t, p.received)
	if !got.Binary || len(got.Data) != 2 {
		t.Errorf("peer received %+v, want 2 binary bytes", got)
	}

	// Two back-to-back messages must both be delivered, in order.
	if err := server.Write(ctx, websocket.MessageText, []byte("first")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if err := server.Write(ctx, websocket.MessageText, []byte("second")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if m := recv(t, c.Messages()); string(m.Data) != "first" {
		t.Errorf("first message = %q", m.Data)
	}
	if m := recv(t, c.Messages()); string(m.Data) != "second" {
		t.Errorf("second message = %q", m.Data)
	}
}

func TestClient_ConnectIsNoopWhileOpen(t *testing.T) {
	t.Parallel()
	p := newPeer(t)
	c := New(p.url())
	t.Cleanup(c.Disconnect)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.accept(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	p.expectNoAccept(t, 100*time.Millisecond)
}

func TestClient_SendWhileClosedIsDropped(t *testing.T) {
	t.Parallel()
	c := New("ws://127.0.0.1:1/unused")

	if err := c.SendBytes(context.Background(), []byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendBytes error = %v, want ErrNotConnected", err)
	}
	if err := c.SendEvent(context.Background(), "client:trigger", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendEvent error = %v, want ErrNotConnected", err)
	}
}

func TestClient_ReconnectsAfterUnexpectedClose(t *testing.T) {
	t.Parallel()
	p := newPeer(t)
	c := New(p.url(), WithReconnectBackoff(20*time.Millisecond))
	t.Cleanup(c.Disconnect)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := p.accept(t)
	_ = server.Close(websocket.StatusGoingAway, "restart")

	p.accept(t)
	waitFor(t, "reconnected", c.IsConnected)
	p.expectNoAccept(t, 100*time.Millisecond)
}

func TestClient_DisconnectPreventsReconnect(t *testing.T) {
	t.Parallel()
	p := newPeer(t)
	c := New(p.url(), WithReconnectBackoff(20*time.Millisecond))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.accept(t)

	c.Disconnect()
	c.Disconnect() // idempotent

	p.expectNoAccept(t, 200*time.Millisecond)
	st := c.State()
	if st.Open || st.ShouldReconnect || st.ReconnectPending {
		t.Errorf("state after Disconnect = %+v", st)
	}
}

// ── scheduler ───────────────────────────────────────────────────────────────

type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return true
}

type failingDialer struct{ err error }

func (d failingDialer) Dial(context.Context, string) (Conn, error) { return nil, d.err }

// newScheduled returns a client whose reconnect timer is recorded, not run.
func newScheduled(t *testing.T, opts ...Option) (*Client, *[]*fakeTimer) {
	t.Helper()
	var timers []*fakeTimer
	c := New("ws://example.invalid", opts...)
	c.afterFunc = func(time.Duration, func()) timer {
		ft := &fakeTimer{}
		timers = append(timers, ft)
		return ft
	}
	return c, &timers
}

func TestClient_RepeatedClosesScheduleOneReconnect(t *testing.T) {
	t.Parallel()
	c, timers := newScheduled(t)

	c.mu.Lock()
	c.shouldReconnect = true
	c.status = statusOpen
	c.gen = 3
	c.mu.Unlock()

	closeErr := errors.New("eof")
	c.handleClose(3, closeErr)
	c.handleClose(3, closeErr)
	c.handleClose(2, closeErr) // stale generation

	if got := len(*timers); got != 1 {
		t.Fatalf("reconnects scheduled = %d, want 1", got)
	}
	if !c.State().ReconnectPending {
		t.Error("ReconnectPending = false")
	}

	c.Disconnect()
	if !(*timers)[0].stopped {
		t.Error("Disconnect did not cancel the pending reconnect")
	}
	if c.State().ReconnectPending {
		t.Error("ReconnectPending = true after Disconnect")
	}
}

func TestClient_DialFailureSchedulesReconnect(t *testing.T) {
	t.Parallel()
	dialErr := errors.New("connection refused")
	c, timers := newScheduled(t, WithDialer(failingDialer{err: dialErr}))

	err := c.Connect(context.Background())
	if !errors.Is(err, dialErr) {
		t.Fatalf("Connect error = %v, want %v", err, dialErr)
	}
	if got := len(*timers); got != 1 {
		t.Fatalf("reconnects scheduled = %d, want 1", got)
	}
	st := c.State()
	if st.Open || st.Connecting || !st.ShouldReconnect {
		t.Errorf("state after failed dial = %+v", st)
	}

	// A second Connect while a reconnect is pending dials again but does not
	// stack another timer.
	_ = c.Connect(context.Background())
	if got := len(*timers); got != 1 {
		t.Errorf("reconnects scheduled = %d after second failure, want 1", got)
	}
}

func TestClient_RunDisconnectsOnCancel(t *testing.T) {
	t.Parallel()
	p := newPeer(t)
	c := New(p.url(), WithReconnectBackoff(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	p.accept(t)
	cancel()
	if err := recv(t, done); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if c.IsConnected() {
		t.Error("still connected after Run returned")
	}
	p.expectNoAccept(t, 100*time.Millisecond)
}

// stubConn is a Conn whose Read blocks until the conn is closed.
type stubConn struct {
	mu     sync.Mutex
	closes int
	closed chan struct{}
}

func newStubConn() *stubConn { return &stubConn{closed: make(chan struct{})} }

func (s *stubConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-s.closed:
		return 0, nil, errors.New("closed")
	}
}

func (s *stubConn) Write(context.Context, websocket.MessageType, []byte) error { return nil }

func (s *stubConn) Close(websocket.StatusCode, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes == 1 {
		close(s.closed)
	}
	return nil
}

func (s *stubConn) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// queuedDialer hands out conns in order. The first dial waits for hold to be
// closed before returning.
type queuedDialer struct {
	mu      sync.Mutex
	conns   []*stubConn
	calls   int
	entered chan struct{}
	hold    chan struct{}
}

func (d *queuedDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	n := d.calls
	d.calls++
	conn := d.conns[n]
	d.mu.Unlock()
	if n == 0 {
		close(d.entered)
		<-d.hold
	}
	return conn, nil
}

func TestClient_SupersededDialIsClosed(t *testing.T) {
	t.Parallel()
	first, second := newStubConn(), newStubConn()
	d := &queuedDialer{
		conns:   []*stubConn{first, second},
		entered: make(chan struct{}),
		hold:    make(chan struct{}),
	}
	c := New("ws://speech.invalid/ws", WithDialer(d), WithReconnectBackoff(time.Hour))
	t.Cleanup(c.Disconnect)

	firstDone := make(chan error, 1)
	go func() { firstDone <- c.Connect(context.Background()) }()
	recv(t, d.entered)

	c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("IsConnected() = false after second Connect")
	}

	close(d.hold)
	if err := recv(t, firstDone); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if got := first.closeCount(); got != 1 {
		t.Errorf("superseded conn closed %d times, want 1", got)
	}
	if got := second.closeCount(); got != 0 {
		t.Errorf("live conn closed %d times, want 0", got)
	}

	c.mu.Lock()
	live := c.conn
	c.mu.Unlock()
	if live != Conn(second) {
		t.Error("superseded dial replaced the live connection")
	}
}
