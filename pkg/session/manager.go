package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-fabric/pkg/protocol"
	"github.com/a-essam23/go-fabric/pkg/transport"
	"github.com/google/uuid"
)

// Manager owns the connection, user and room registries for one process.
// Lock order is always conns -> users -> rooms.
type Manager struct {
	conns map[uuid.UUID]*Connection
	users map[string]map[uuid.UUID]*Connection
	rooms map[string]map[uuid.UUID]*Connection

	connMu sync.RWMutex
	userMu sync.RWMutex
	roomMu sync.RWMutex

	cfg       Config
	callbacks Callbacks
	hub       *transport.Hub

	logger *slog.Logger
}

var ErrAuthenticatorRequired = errors.New("an authenticate collaborator is required")

func NewManager(logger *slog.Logger, hub *transport.Hub, cfg Config, callbacks Callbacks) (*Manager, error) {
	if callbacks.Authenticate == nil {
		return nil, ErrAuthenticatorRequired
	}
	return &Manager{
		conns:     make(map[uuid.UUID]*Connection),
		users:     make(map[string]map[uuid.UUID]*Connection),
		rooms:     make(map[string]map[uuid.UUID]*Connection),
		cfg:       cfg.withDefaults(),
		callbacks: callbacks,
		hub:       hub,
		logger:    logger.With(slog.String("component", "session_manager")),
	}, nil
}

// Register adds a freshly accepted socket in state UNAUTHORIZED and arms the
// initial auth timer. The connection appears in no user or room index yet.
func (m *Manager) Register(sock transport.Socket, remoteAddr string) (*Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := sock.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}

	now := time.Now()
	conn := &Connection{
		ID:           connID,
		Transport:    sock,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActivity: now,
		state:        StateUnauthorized,
		rooms:        make(map[string]struct{}),
	}
	conn.authTimer = time.AfterFunc(m.cfg.InitialAuthTimeout, func() {
		m.expireAuth(connID)
	})
	m.conns[connID] = conn

	m.logger.Debug("Connection registered", slog.String("connID", connID.String()), slog.String("remoteAddr", remoteAddr))
	return conn, nil
}

// Deregister removes the connection from every index. Safe to call more than
// once and from any close path; later calls are no-ops.
func (m *Manager) Deregister(connID uuid.UUID) {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.connMu.Unlock()
		return
	}
	delete(m.conns, connID)
	if conn.authTimer != nil {
		conn.authTimer.Stop()
		conn.authTimer = nil
	}
	wasAuthenticated := conn.state == StateAuthenticated
	conn.state = StateDisconnected
	userID := conn.UserID
	heldRooms := make([]string, 0, len(conn.rooms))
	for r := range conn.rooms {
		heldRooms = append(heldRooms, r)
	}
	m.connMu.Unlock()

	if userID != "" {
		m.userMu.Lock()
		if set, ok := m.users[userID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(m.users, userID)
			}
		}
		m.userMu.Unlock()
	}

	m.roomMu.Lock()
	for _, r := range heldRooms {
		if members, ok := m.rooms[r]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(m.rooms, r)
			}
		}
	}
	m.roomMu.Unlock()

	m.hub.Deregister(connID)

	if wasAuthenticated && m.callbacks.OnDisconnected != nil {
		m.safely("onDisconnected", func() {
			m.callbacks.OnDisconnected(connID, userID)
		})
	}
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
}

// CloseWithCode force-closes a connection and removes it from the registries
// synchronously.
func (m *Manager) CloseWithCode(connID uuid.UUID, code protocol.CloseCode) {
	m.connMu.RLock()
	conn, ok := m.conns[connID]
	m.connMu.RUnlock()
	if !ok {
		return
	}
	conn.Transport.CloseWithCode(int(code), code.String())
	m.Deregister(connID)
}

// CloseAll force-closes every live connection with one reason and drains the
// indices before returning. Used by shutdown.
func (m *Manager) CloseAll(code protocol.CloseCode) {
	m.connMu.RLock()
	ids := make([]uuid.UUID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.connMu.RUnlock()

	for _, id := range ids {
		m.CloseWithCode(id, code)
	}
}

// Touch records client activity for the heartbeat monitor.
func (m *Manager) Touch(connID uuid.UUID) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if conn, ok := m.conns[connID]; ok {
		conn.LastActivity = time.Now()
	}
}

// IdleAuthenticated returns the ids of authenticated connections whose last
// activity is older than the cutoff. Unauthenticated connections are exempt;
// the auth timers bound their lifetime already.
func (m *Manager) IdleAuthenticated(cutoff time.Time) []uuid.UUID {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	var idle []uuid.UUID
	for id, conn := range m.conns {
		if conn.state == StateAuthenticated && conn.LastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}

// --- Registry query API ---

// Member is the delivery engine's read-only view of one connection.
type Member struct {
	ID        uuid.UUID
	Socket    transport.Socket
	Encrypted bool
}

func memberOf(c *Connection) Member {
	return Member{ID: c.ID, Socket: c.Transport, Encrypted: c.Encrypted}
}

// Client resolves a live connection id.
func (m *Manager) Client(connID uuid.UUID) (Member, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	if !ok {
		return Member{}, false
	}
	return memberOf(conn), true
}

// User returns every connection of one logical user.
func (m *Manager) User(userID string) []Member {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	set, ok := m.users[userID]
	if !ok {
		return nil
	}
	members := make([]Member, 0, len(set))
	for _, conn := range set {
		members = append(members, memberOf(conn))
	}
	return members
}

// Room returns the members of a room, reporting whether the room exists.
func (m *Manager) Room(room string) ([]Member, bool) {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	set, ok := m.rooms[room]
	if !ok {
		return nil, false
	}
	members := make([]Member, 0, len(set))
	for _, conn := range set {
		members = append(members, memberOf(conn))
	}
	return members, true
}

// Authenticated returns every connection in state AUTHENTICATED.
func (m *Manager) Authenticated() []Member {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	members := make([]Member, 0, len(m.conns))
	for _, conn := range m.conns {
		if conn.state == StateAuthenticated {
			members = append(members, memberOf(conn))
		}
	}
	return members
}

// StateOf reports the lifecycle state of a connection. Unknown ids report
// DISCONNECTED.
func (m *Manager) StateOf(connID uuid.UUID) State {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	if conn, ok := m.conns[connID]; ok {
		return conn.state
	}
	return StateDisconnected
}

// RoomsOf returns the rooms a connection currently holds.
func (m *Manager) RoomsOf(connID uuid.UUID) []string {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(conn.rooms))
	for r := range conn.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (m *Manager) ConnectionCount() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.conns)
}

func (m *Manager) UserCount() int {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	return len(m.users)
}

// UserIDs lists the logical users with at least one live connection.
func (m *Manager) UserIDs() []string {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) RoomCount() int {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	return len(m.rooms)
}

func (m *Manager) UserConnectionCount(userID string) int {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	return len(m.users[userID])
}

// ConnectionCountForAddr counts live connections from one remote address.
// Used by the upgrade-side connection limiter.
func (m *Manager) ConnectionCountForAddr(addr string) int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	count := 0
	for _, conn := range m.conns {
		if conn.RemoteAddr == addr {
			count++
		}
	}
	return count
}

// OldestForAddr finds the longest-lived connection from one remote address.
// Used by the connection limiter's cycle mode.
func (m *Manager) OldestForAddr(addr string) (uuid.UUID, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	var oldest *Connection
	for _, conn := range m.conns {
		if conn.RemoteAddr != addr {
			continue
		}
		if oldest == nil || conn.ConnectedAt.Before(oldest.ConnectedAt) {
			oldest = conn
		}
	}
	if oldest == nil {
		return uuid.UUID{}, false
	}
	return oldest.ID, true
}

// MarkBackpressure flags a connection whose transport buffer filled up.
func (m *Manager) MarkBackpressure(connID uuid.UUID) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	if conn, ok := m.conns[connID]; ok {
		conn.backpressured.Store(true)
	}
}

// ClearBackpressure is wired to the transport drain signal.
func (m *Manager) ClearBackpressure(connID uuid.UUID) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	if conn, ok := m.conns[connID]; ok {
		conn.backpressured.Store(false)
	}
}

// IsBackpressured reports the backpressure flag of a live connection.
func (m *Manager) IsBackpressured(connID uuid.UUID) bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	if conn, ok := m.conns[connID]; ok {
		return conn.backpressured.Load()
	}
	return false
}

// TransformBound reports whether a per-connection transform collaborator is
// configured for this process.
func (m *Manager) TransformBound() bool {
	return m.callbacks.Transform != nil
}

// safely runs a collaborator callback behind a recover boundary. A buggy
// collaborator must never break the delivery path.
func (m *Manager) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Collaborator callback panicked",
				slog.String("callback", name),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}
