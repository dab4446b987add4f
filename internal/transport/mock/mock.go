// Package mock provides an in-memory stand-in for [transport.Client].
//
// Client records every outbound event and binary frame and lets tests inject
// inbound messages with [Client.Push]. All methods are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tressa/internal/transport"
)

// EventCall records a single SendEvent invocation.
type EventCall struct {
	Event   string
	Payload any
}

// Client is a mock transport.
type Client struct {
	mu        sync.Mutex
	connected bool
	messages  chan transport.Message

	// SendErr, if non-nil, is returned by every send.
	SendErr error

	// Events records every SendEvent call in order.
	Events []EventCall

	// Frames records every SendBytes payload in order.
	Frames [][]byte

	// sent is signalled once per recorded event.
	sent chan string
}

// New creates a connected mock with a 64-message inbound buffer.
func New() *Client {
	return &Client{
		connected: true,
		messages:  make(chan transport.Message, 64),
		sent:      make(chan string, 256),
	}
}

// SetConnected sets the IsConnected result.
func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// IsConnected reports the configured connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendEvent records the event. Sends while disconnected return
// [transport.ErrNotConnected] and are not recorded.
func (c *Client) SendEvent(_ context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return transport.ErrNotConnected
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Events = append(c.Events, EventCall{Event: event, Payload: payload})
	select {
	case c.sent <- event:
	default:
	}
	return nil
}

// SendBytes records the frame.
func (c *Client) SendBytes(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return transport.ErrNotConnected
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.Frames = append(c.Frames, cp)
	return nil
}

// Messages implements the inbound side of the transport.
func (c *Client) Messages() <-chan transport.Message {
	return c.messages
}

// Push injects an inbound text message.
func (c *Client) Push(text string) {
	c.messages <- transport.Message{Data: []byte(text)}
}

// PushBinary injects an inbound binary message.
func (c *Client) PushBinary(data []byte) {
	c.messages <- transport.Message{Binary: true, Data: data}
}

// Sent returns a channel receiving the name of each recorded event.
func (c *Client) Sent() <-chan string {
	return c.sent
}

// EventNames returns the names of all recorded events in order.
func (c *Client) EventNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Events))
	for i, e := range c.Events {
		out[i] = e.Event
	}
	return out
}

// FrameCount returns the number of recorded binary frames.
func (c *Client) FrameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Frames)
}
