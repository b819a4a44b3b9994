// Package protocol defines the wire envelope exchanged with clients and the
// coded close reasons of the fabric. One envelope per transport message,
// JSON-encoded.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// System events consumed from clients.
const (
	EventAuthenticate = "authenticate"
	EventHeartbeat    = "heartbeat"
	EventJoin         = "join"
	EventLeave        = "leave"
)

// System events produced by the fabric.
const (
	EventConnected = "connected"
	EventError     = "error"
)

var ErrMissingEvent = errors.New("envelope is missing the 'event' field")

// Envelope is the single wire message shape: {event, data?, id?}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"`
}

// Decode parses and validates an inbound envelope. A payload that is not valid
// JSON, or that carries no event name, is rejected here and never reaches any
// handler.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	return &env, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Event == "" {
		return nil, ErrMissingEvent
	}
	return json.Marshal(e)
}

// MustEncode is Encode for envelopes built by the fabric itself, where the
// event name is a compile-time constant and the data was produced by
// json.Marshal already.
func MustEncode(event string, data json.RawMessage) []byte {
	raw, err := (&Envelope{Event: event, Data: data}).Encode()
	if err != nil {
		panic(err)
	}
	return raw
}

// ConnectedPayload is the body of the "connected" confirmation sent after a
// successful authentication.
type ConnectedPayload struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Time   int64  `json:"time"`
	Cipher bool   `json:"cipher,omitempty"`
}

// ErrorPayload is the body of an "error" envelope.
type ErrorPayload struct {
	Message string `json:"message"`
}

// JoinRequest is the body of "join" and "leave" events.
type JoinRequest struct {
	Rooms []string `json:"rooms"`
}

// ErrorEnvelope builds a ready-to-send error envelope.
func ErrorEnvelope(message string) []byte {
	data, _ := json.Marshal(ErrorPayload{Message: message})
	return MustEncode(EventError, data)
}
