package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/go-fabric/pkg/protocol"
	"github.com/google/uuid"
)

// HandleInbound is the single entry for transport messages. It decodes the
// envelope, runs the auth gate and routes system events; anything else goes
// to the message collaborator.
func (m *Manager) HandleInbound(ctx context.Context, connID uuid.UUID, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		m.rejectMalformed(connID, err)
		return
	}

	m.Touch(connID)

	// Heartbeats are accepted in any state and never reach a handler.
	if env.Event == protocol.EventHeartbeat {
		return
	}

	if env.Event == protocol.EventAuthenticate {
		m.beginAuth(ctx, connID, env.Data)
		return
	}

	if m.StateOf(connID) != StateAuthenticated {
		m.sendError(connID, "not authenticated")
		return
	}

	switch env.Event {
	case protocol.EventJoin:
		m.JoinRooms(ctx, connID, decodeRooms(env.Data))
	case protocol.EventLeave:
		m.LeaveRooms(connID, decodeRooms(env.Data))
	default:
		if m.callbacks.OnMessage == nil {
			m.logger.Debug("No message handler bound, dropping event", slog.String("event", env.Event))
			return
		}
		m.safely("onMessage", func() {
			m.callbacks.OnMessage(ctx, connID, env.Event, env.Data)
		})
	}
}

// rejectMalformed answers authenticated connections with an error envelope;
// pre-auth the payload is simply dropped.
func (m *Manager) rejectMalformed(connID uuid.UUID, cause error) {
	if m.StateOf(connID) != StateAuthenticated {
		m.logger.Debug("Dropping malformed payload from unauthenticated connection",
			slog.String("connID", connID.String()),
			slog.Any("error", cause),
		)
		return
	}
	m.sendError(connID, "malformed payload")
}

func (m *Manager) sendError(connID uuid.UUID, message string) {
	m.connMu.RLock()
	conn, ok := m.conns[connID]
	m.connMu.RUnlock()
	if !ok {
		return
	}
	if err := conn.Transport.Send(protocol.ErrorEnvelope(message)); err != nil {
		m.logger.Debug("Failed to send error envelope", slog.String("connID", connID.String()), slog.Any("error", err))
	}
}

// beginAuth moves UNAUTHORIZED -> AUTHENTICATING, swaps the initial timer for
// the extended one and kicks off the asynchronous collaborator call.
func (m *Manager) beginAuth(ctx context.Context, connID uuid.UUID, credentials json.RawMessage) {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.connMu.Unlock()
		return
	}
	if conn.state != StateUnauthorized {
		m.connMu.Unlock()
		m.logger.Warn("Ignoring authenticate event in unexpected state",
			slog.String("connID", connID.String()),
			slog.String("state", conn.state.String()),
		)
		return
	}
	conn.state = StateAuthenticating
	if conn.authTimer != nil {
		conn.authTimer.Stop()
	}
	extended := m.cfg.InitialAuthTimeout * extendedAuthMultiplier
	conn.authTimer = time.AfterFunc(extended, func() {
		m.expireAuth(connID)
	})
	m.connMu.Unlock()

	go func() {
		claims, err := m.runAuthenticate(ctx, credentials)
		m.finishAuth(connID, claims, err)
	}()
}

// runAuthenticate invokes the collaborator, converting a panic into a
// rejection rather than letting it escape the connection goroutine.
func (m *Manager) runAuthenticate(ctx context.Context, credentials json.RawMessage) (claims *Claims, err error) {
	defer func() {
		if r := recover(); r != nil {
			claims = nil
			err = fmt.Errorf("authenticate collaborator panicked: %v", r)
		}
	}()
	return m.callbacks.Authenticate(ctx, credentials)
}

// finishAuth applies the authentication outcome. The connection may already
// be gone (timer fired, client dropped); a late result is discarded without
// touching any state.
func (m *Manager) finishAuth(connID uuid.UUID, claims *Claims, authErr error) {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok || conn.state != StateAuthenticating {
		m.connMu.Unlock()
		m.logger.Debug("Discarding late authentication result", slog.String("connID", connID.String()))
		return
	}
	if conn.authTimer != nil {
		conn.authTimer.Stop()
		conn.authTimer = nil
	}

	if authErr != nil || claims == nil || claims.UserID == "" {
		m.connMu.Unlock()
		m.logger.Info("Authentication rejected",
			slog.String("connID", connID.String()),
			slog.Any("error", authErr),
		)
		m.CloseWithCode(connID, protocol.CloseAuthenticationFailed)
		return
	}

	if claims.Encrypt && m.callbacks.Transform == nil {
		m.connMu.Unlock()
		m.logger.Warn("Client requested encryption but no transform is bound",
			slog.String("connID", connID.String()),
		)
		m.CloseWithCode(connID, protocol.CloseEncryptionUnavailable)
		return
	}

	conn.state = StateAuthenticated
	conn.UserID = claims.UserID
	conn.Metadata = claims.Metadata
	conn.Encrypted = claims.Encrypt
	conn.LastActivity = time.Now()

	// The user index and hub registration happen while connMu is still held
	// so that a concurrent Deregister is ordered strictly before (we never
	// get here) or strictly after (it cleans up everything we install).
	// Lock order stays conn -> user.
	m.userMu.Lock()
	set, exists := m.users[claims.UserID]
	if !exists {
		set = make(map[uuid.UUID]*Connection)
		m.users[claims.UserID] = set
	}
	set[connID] = conn
	m.userMu.Unlock()

	m.hub.Register(conn.Transport)
	m.connMu.Unlock()

	// Implicit self room plus configured defaults. addToRooms re-checks
	// existence itself.
	implicit := append([]string{connID.String()}, m.cfg.DefaultRooms...)
	m.addToRooms(conn, implicit)

	m.sendConnected(conn)

	if m.callbacks.OnConnected != nil {
		m.safely("onConnected", func() {
			m.callbacks.OnConnected(connID, claims.UserID, claims.Metadata)
		})
	}
	m.logger.Info("Connection authenticated",
		slog.String("connID", connID.String()),
		slog.String("userID", claims.UserID),
	)
}

func (m *Manager) sendConnected(conn *Connection) {
	payload, err := json.Marshal(protocol.ConnectedPayload{
		ID:     conn.ID.String(),
		UserID: conn.UserID,
		Time:   time.Now().UnixMilli(),
		Cipher: conn.Encrypted,
	})
	if err != nil {
		m.logger.Error("Failed to marshal connected payload", slog.Any("error", err))
		return
	}
	if err := conn.Transport.Send(protocol.MustEncode(protocol.EventConnected, payload)); err != nil {
		m.logger.Debug("Failed to send connected envelope", slog.String("connID", conn.ID.String()), slog.Any("error", err))
	}
}

// expireAuth fires from either auth timer. The connection may have
// authenticated or disconnected in the meantime, so existence and state are
// re-checked before closing.
func (m *Manager) expireAuth(connID uuid.UUID) {
	m.connMu.RLock()
	conn, ok := m.conns[connID]
	if !ok || conn.state == StateAuthenticated {
		m.connMu.RUnlock()
		return
	}
	state := conn.state
	m.connMu.RUnlock()

	m.logger.Info("Authentication window elapsed, closing connection",
		slog.String("connID", connID.String()),
		slog.String("state", state.String()),
	)
	m.CloseWithCode(connID, protocol.CloseInitialAuthTimeout)
}

func decodeRooms(data json.RawMessage) []string {
	var req protocol.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil
	}
	return req.Rooms
}
