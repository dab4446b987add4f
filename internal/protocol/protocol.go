// Package protocol defines the JSON event framing exchanged with the remote
// speech service.
//
// Every text message is an envelope {"event": "<name>", "data": {...}}. Binary
// messages carry raw PCM16 little-endian mono audio at 16 kHz, one message per
// captured frame, and are not described here.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Outbound events.
const (
	EventTrigger   = "client:trigger"
	EventRecord    = "client:record"
	EventRecordEnd = "client:record:end"
)

// Inbound events.
const (
	EventTriggerAudio   = "on:trigger:audio"
	EventRecordEnded    = "on:record:ended"
	EventLLMProcessing  = "on:llm:processing"
	EventStreamStart    = "on:stream:start"
	EventStreamChunk    = "on:stream:chunk"
	EventStreamComplete = "on:stream:complete"
)

var (
	// ErrMalformed is returned by [Parse] when a message is not a JSON object.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrMissingEvent is returned by [Parse] when the envelope has no event name.
	ErrMissingEvent = errors.New("protocol: missing event field")
)

// Envelope is one framed event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Parse decodes a text message into an Envelope.
func Parse(msg []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Decode unmarshals the envelope's data into v. A missing or null data field
// leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", e.Event, err)
	}
	return nil
}

// Encode frames event and payload as an envelope. A nil payload is sent as an
// empty object.
func Encode(event string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// TriggerAudio is the data of [EventTriggerAudio].
type TriggerAudio struct {
	Audio string `json:"audio"`
}

// StreamChunk is the data of [EventStreamChunk].
type StreamChunk struct {
	Text  string `json:"text"`
	Audio string `json:"audio"`
}

// DecodeAudio decodes a base64 audio payload.
func DecodeAudio(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, errors.New("protocol: empty audio payload")
	}
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode audio: %w", err)
	}
	return b, nil
}
