package bus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Delivery types carried on the bus.
const (
	TypeClient    = "client"
	TypeUser      = "user"
	TypeRoom      = "room"
	TypeBroadcast = "broadcast"
)

// DefaultPrefix namespaces every fabric channel. Room names colliding with it
// are rejected at join time.
const DefaultPrefix = "fabric:"

// Message is the wire shape replicated between processes. Origin identifies
// the publishing process; a receiver with the same id discards the message
// because it already delivered locally before publishing.
type Message struct {
	Origin  string          `json:"origin"`
	Type    string          `json:"type"`
	Target  string          `json:"target,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Exclude []string        `json:"exclude,omitempty"`
}

func (m *Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed bus message: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("malformed bus message: missing event")
	}
	return &msg, nil
}

// channelFor maps a delivery type and target to its broker channel. Targeted
// types get their own channel under a wildcard-subscribable prefix so that a
// process need not know room names in advance.
func channelFor(prefix, typ, target string) string {
	if typ == TypeBroadcast {
		return prefix + TypeBroadcast
	}
	return prefix + typ + ":" + target
}

// subscriptionsFor returns the exact channels and patterns a process listens
// on.
func subscriptionsFor(prefix string) (channels, patterns []string) {
	channels = []string{prefix + TypeBroadcast}
	patterns = []string{
		prefix + TypeClient + ":*",
		prefix + TypeUser + ":*",
		prefix + TypeRoom + ":*",
	}
	return channels, patterns
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix
}
