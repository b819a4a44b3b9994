// Package session owns connection identity, user and room membership, and the
// post-handshake authentication protocol. All registry state lives in one
// Manager per process; nothing is shared through globals.
package session

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/a-essam23/go-fabric/pkg/transport"
	"github.com/google/uuid"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateUnauthorized State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnauthorized:
		return "unauthorized"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection is the registry's view of a single live socket. It is created on
// transport accept and destroyed on disconnect; the Manager is the only
// writer (the delivery engine flips the backpressure flag through atomics).
type Connection struct {
	ID         uuid.UUID
	Transport  transport.Socket
	RemoteAddr string

	// Set on successful authentication, immutable afterwards.
	UserID   string
	Metadata map[string]any

	ConnectedAt  time.Time
	LastActivity time.Time

	// Encrypted marks a connection whose payloads go through the
	// per-connection transform on the slow delivery path.
	Encrypted bool

	backpressured atomic.Bool

	state     State
	rooms     map[string]struct{}
	authTimer *time.Timer
}

// Backpressured reports whether the last write hit the transport's buffer
// high-water mark and the buffer has not drained since.
func (c *Connection) Backpressured() bool {
	return c.backpressured.Load()
}

// Claims is what the authentication collaborator returns for an accepted
// credential set.
type Claims struct {
	UserID   string
	Metadata map[string]any
	// Encrypt requests a per-connection payload transform for this session.
	Encrypt bool
}

// AuthenticateFunc validates the credentials carried by an "authenticate"
// event. Returning a nil Claims or an error rejects the connection. The call
// may suspend; the manager bounds it with the extended auth timer.
type AuthenticateFunc func(ctx context.Context, credentials json.RawMessage) (*Claims, error)

// RoomValidatorFunc decides which of the requested rooms a connection may
// join. Only the returned subset is joined. When no validator is configured
// every join request is rejected.
type RoomValidatorFunc func(ctx context.Context, connID uuid.UUID, userID string, requested []string) ([]string, error)

// TransformFunc rewrites an outbound payload for one connection, e.g. for
// per-session encryption. Binding it forces all room and broadcast sends onto
// the per-connection delivery path.
type TransformFunc func(connID uuid.UUID, payload []byte) ([]byte, error)

// ConnectedFunc and DisconnectedFunc are optional lifecycle notifications.
// They run behind a recover boundary; a panicking collaborator is logged and
// ignored.
type ConnectedFunc func(connID uuid.UUID, userID string, metadata map[string]any)
type DisconnectedFunc func(connID uuid.UUID, userID string)

// MessageFunc receives authenticated non-system events.
type MessageFunc func(ctx context.Context, connID uuid.UUID, event string, data json.RawMessage)

// Callbacks bundles the external collaborators consumed by the fabric.
// Authenticate is required; everything else is optional.
type Callbacks struct {
	Authenticate   AuthenticateFunc
	ValidateRooms  RoomValidatorFunc
	Transform      TransformFunc
	OnConnected    ConnectedFunc
	OnDisconnected DisconnectedFunc
	OnMessage      MessageFunc
}

// Config carries the session-level tunables.
type Config struct {
	// InitialAuthTimeout bounds the wait for the first authenticate event.
	// The asynchronous authentication call itself is bounded by three times
	// this value.
	InitialAuthTimeout time.Duration
	// DefaultRooms are joined by every connection on authentication, in
	// addition to the implicit room named after the connection id.
	DefaultRooms []string
	// MaxRoomNameLength bounds client-requested room names.
	MaxRoomNameLength int
	// ReservedPrefix rejects room names colliding with internal bus channels.
	ReservedPrefix string
}

const extendedAuthMultiplier = 3

func (c Config) withDefaults() Config {
	if c.InitialAuthTimeout <= 0 {
		c.InitialAuthTimeout = 5 * time.Second
	}
	if c.MaxRoomNameLength <= 0 {
		c.MaxRoomNameLength = 128
	}
	if c.ReservedPrefix == "" {
		c.ReservedPrefix = "fabric:"
	}
	return c
}
