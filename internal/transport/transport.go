// Package transport maintains the duplex websocket channel to the remote
// speech service.
//
// The [Client] is a dumb pipe: it frames outbound events, writes binary audio,
// and delivers every inbound message in arrival order on [Client.Messages]. It
// never interprets inbound events. When the connection drops unexpectedly the
// client schedules exactly one reconnect attempt after a fixed backoff; an
// intentional [Client.Disconnect] disables reconnection before closing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/tressa/internal/observe"
	"github.com/MrWong99/tressa/internal/protocol"
)

// Defaults.
const (
	DefaultReconnectBackoff = 5 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultMessageBuffer    = 64

	// DefaultReadLimit bounds one inbound message. Reply chunks carry base64
	// audio and easily exceed the websocket library's 32 KiB default.
	DefaultReadLimit = 16 << 20
)

// ErrNotConnected is returned by sends while the channel is not open. The
// payload is dropped, never queued.
var ErrNotConnected = errors.New("transport: not connected")

// Message is one inbound message.
type Message struct {
	Binary bool
	Data   []byte
}

// State is a snapshot of the connection state.
type State struct {
	Open             bool `json:"open"`
	Connecting       bool `json:"connecting"`
	ShouldReconnect  bool `json:"should_reconnect"`
	ReconnectPending bool `json:"reconnect_pending"`
}

// Conn is the subset of [*websocket.Conn] used by the client.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens connections to the remote endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with [websocket.Dial].
type WebsocketDialer struct {
	// Options are passed to websocket.Dial. May be nil.
	Options *websocket.DialOptions

	// ReadLimit is applied to every new connection. Zero means DefaultReadLimit.
	ReadLimit int64

	// Timeout bounds the opening handshake. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Dial implements [Dialer].
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return conn, nil
}

// timer is the part of [*time.Timer] the reconnect scheduler needs.
type timer interface {
	Stop() bool
}

// Option configures a [Client].
type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithReconnectBackoff sets the fixed delay before a reconnect attempt.
func WithReconnectBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithMessageBuffer sets the capacity of the inbound message channel.
func WithMessageBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.messages = make(chan Message, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

type status int

const (
	statusClosed status = iota
	statusConnecting
	statusOpen
)

// Client is a reconnecting websocket client. All exported methods are safe
// for concurrent use.
type Client struct {
	url      string
	dialer   Dialer
	backoff  time.Duration
	log      *slog.Logger
	metrics  *observe.Metrics
	messages chan Message

	// afterFunc schedules reconnects; replaced in tests.
	afterFunc func(time.Duration, func()) timer

	mu              sync.Mutex
	status          status
	conn            Conn
	connCancel      context.CancelFunc
	gen             uint64
	dialGen         uint64 // bumped per dial attempt and by Disconnect
	shouldReconnect bool
	reconnect       timer

	writeMu sync.Mutex
}

// New creates a Client for url. It does not connect until [Client.Connect].
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		dialer:   WebsocketDialer{},
		backoff:  DefaultReconnectBackoff,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
		messages: make(chan Message, DefaultMessageBuffer),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the endpoint and enables automatic reconnection. It is a
// no-op while the channel is open or a dial is in progress. A failed dial
// schedules a reconnect and is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status != statusClosed {
		c.mu.Unlock()
		return nil
	}
	c.shouldReconnect = true
	c.status = statusConnecting
	c.dialGen++
	attempt := c.dialGen
	c.mu.Unlock()

	return c.dial(ctx, attempt)
}

// Run connects and keeps the channel up until ctx is cancelled, then
// disconnects. Dial failures are retried by the reconnect scheduler, so Run
// only returns once ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.log.Warn("transport: initial connect failed, will retry", "url", c.url, "err", err)
	}
	<-ctx.Done()
	c.Disconnect()
	return nil
}

// Disconnect disables reconnection, cancels a pending reconnect, and closes
// the channel. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	cancel := c.connCancel
	c.conn = nil
	c.connCancel = nil
	c.status = statusClosed
	c.gen++
	c.dialGen++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.log.Info("transport: disconnected", "url", c.url)
	}
}

// Close is Disconnect with an [io.Closer] signature.
func (c *Client) Close() error {
	c.Disconnect()
	return nil
}

// Messages returns the inbound message channel. It is never closed.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// IsConnected reports whether the channel is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == statusOpen
}

// State returns a snapshot of the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Open:             c.status == statusOpen,
		Connecting:       c.status == statusConnecting,
		ShouldReconnect:  c.shouldReconnect,
		ReconnectPending: c.reconnect != nil,
	}
}

// SendBytes writes data as one binary message.
func (c *Client) SendBytes(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.MessageBinary, data)
}

// SendEvent frames event and payload as {"event": ..., "data": ...} and
// writes it as one text message. A nil payload is sent as an empty object.
func (c *Client) SendEvent(ctx context.Context, event string, payload any) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := c.write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: send %s: %w", event, err)
	}
	return nil
}

func (c *Client) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	kind := kindOf(typ)

	c.mu.Lock()
	conn := c.conn
	open := c.status == statusOpen
	c.mu.Unlock()

	if !open || conn == nil {
		c.log.Warn("transport: dropping send while disconnected", "kind", kind, "bytes", len(data))
		c.metrics.RecordDrop(ctx, kind)
		return ErrNotConnected
	}

	c.writeMu.Lock()
	err := conn.Write(ctx, typ, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	c.metrics.RecordTransportMessage(ctx, "out", kind)
	return nil
}

// dial opens a connection and starts its reader. Must be entered with status
// set to connecting. attempt is the dial generation taken when the status was
// set; a result from a superseded attempt is discarded.
func (c *Client) dial(ctx context.Context, attempt uint64) error {
	conn, err := c.dialer.Dial(ctx, c.url)

	c.mu.Lock()
	stale := attempt != c.dialGen
	if err != nil {
		if stale {
			c.mu.Unlock()
			c.log.Debug("transport: superseded dial failed", "url", c.url, "err", err)
			return fmt.Errorf("transport: dial %s: %w", c.url, err)
		}
		if c.status == statusConnecting {
			c.status = statusClosed
		}
		c.scheduleLocked()
		c.mu.Unlock()
		c.log.Warn("transport: dial failed", "url", c.url, "err", err)
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}
	if stale || !c.shouldReconnect || c.status != statusConnecting {
		// Disconnected, and possibly reconnected, while the dial was in flight.
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	connCtx, cancel := context.WithCancel(context.Background())
	c.gen++
	gen := c.gen
	c.conn = conn
	c.connCancel = cancel
	c.status = statusOpen
	c.mu.Unlock()

	c.log.Info("transport: connected", "url", c.url)
	go c.readLoop(connCtx, conn, gen)
	return nil
}

// readLoop delivers inbound messages until the connection fails.
func (c *Client) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.metrics.RecordTransportMessage(ctx, "in", kindOf(typ))
		select {
		case c.messages <- Message{Binary: typ == websocket.MessageBinary, Data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// handleClose reacts to the end of connection generation gen. Closes of a
// superseded generation are ignored.
func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.conn = nil
	c.status = statusClosed
	c.log.Warn("transport: connection closed", "url", c.url, "err", err,
		"code", websocket.CloseStatus(err))
	c.scheduleLocked()
}

// scheduleLocked arms the reconnect timer unless reconnection is disabled or
// a reconnect is already pending. Must be called with c.mu held.
func (c *Client) scheduleLocked() {
	if !c.shouldReconnect || c.reconnect != nil {
		return
	}
	c.metrics.TransportReconnects.Add(context.Background(), 1)
	c.log.Info("transport: reconnect scheduled", "url", c.url, "backoff", c.backoff)
	c.reconnect = c.afterFunc(c.backoff, c.reconnectNow)
}

func (c *Client) reconnectNow() {
	c.mu.Lock()
	c.reconnect = nil
	if !c.shouldReconnect || c.status != statusClosed {
		c.mu.Unlock()
		return
	}
	c.status = statusConnecting
	c.dialGen++
	attempt := c.dialGen
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
	defer cancel()
	_ = c.dial(ctx, attempt)
}

func kindOf(typ websocket.MessageType) string {
	if typ == websocket.MessageBinary {
		return "binary"
	}
	return "text"
}
