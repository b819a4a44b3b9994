package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// JoinRooms sanitizes the requested room names, consults the room validator
// and joins the allowed subset. With no validator configured every request is
// rejected; the client is not told which rooms were refused.
func (m *Manager) JoinRooms(ctx context.Context, connID uuid.UUID, requested []string) []string {
	sanitized := m.sanitizeRooms(requested)
	if len(sanitized) == 0 {
		return nil
	}

	m.connMu.RLock()
	conn, ok := m.conns[connID]
	var userID string
	authenticated := false
	if ok {
		userID = conn.UserID
		authenticated = conn.state == StateAuthenticated
	}
	m.connMu.RUnlock()
	if !ok || !authenticated {
		return nil
	}

	if m.callbacks.ValidateRooms == nil {
		m.logger.Debug("No room validator configured, rejecting join request",
			slog.String("connID", connID.String()),
			slog.Any("rooms", sanitized),
		)
		return nil
	}

	var allowed []string
	var validateErr error
	m.safely("validateRooms", func() {
		allowed, validateErr = m.callbacks.ValidateRooms(ctx, connID, userID, sanitized)
	})
	if validateErr != nil {
		m.logger.Warn("Room validator rejected join request",
			slog.String("connID", connID.String()),
			slog.Any("error", validateErr),
		)
		return nil
	}
	// The validator may only narrow the request, never widen it.
	allowed = intersect(m.sanitizeRooms(allowed), sanitized)
	if len(allowed) == 0 {
		return nil
	}

	m.addToRooms(conn, allowed)
	m.logger.Debug("Connection joined rooms",
		slog.String("connID", connID.String()),
		slog.Any("rooms", allowed),
	)
	return allowed
}

// LeaveRooms removes the connection from the rooms it actually holds. No
// validation is required; leaving a room not held is a no-op.
func (m *Manager) LeaveRooms(connID uuid.UUID, rooms []string) {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.connMu.Unlock()
		return
	}
	held := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if _, in := conn.rooms[r]; in {
			held = append(held, r)
			delete(conn.rooms, r)
		}
	}
	m.connMu.Unlock()
	if len(held) == 0 {
		return
	}

	m.roomMu.Lock()
	for _, r := range held {
		if members, ok := m.rooms[r]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(m.rooms, r)
				m.logger.Debug("Removed empty room", slog.String("roomID", r))
			}
		}
	}
	m.roomMu.Unlock()

	for _, r := range held {
		m.hub.Unsubscribe(r, connID)
	}
	m.logger.Debug("Connection left rooms",
		slog.String("connID", connID.String()),
		slog.Any("rooms", held),
	)
}

// addToRooms links the connection and the room index both ways and mirrors
// the membership into the transport hub.
func (m *Manager) addToRooms(conn *Connection, rooms []string) {
	m.connMu.Lock()
	if _, ok := m.conns[conn.ID]; !ok {
		// Disconnected while the join was in flight.
		m.connMu.Unlock()
		return
	}
	joined := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if _, in := conn.rooms[r]; in {
			continue
		}
		conn.rooms[r] = struct{}{}
		joined = append(joined, r)
	}
	m.connMu.Unlock()

	m.roomMu.Lock()
	for _, r := range joined {
		members, ok := m.rooms[r]
		if !ok {
			members = make(map[uuid.UUID]*Connection)
			m.rooms[r] = members
		}
		members[conn.ID] = conn
	}
	m.roomMu.Unlock()

	for _, r := range joined {
		m.hub.Subscribe(r, conn.Transport)
	}
}

// sanitizeRooms drops empty, oversized and reserved room names.
func (m *Manager) sanitizeRooms(rooms []string) []string {
	out := make([]string, 0, len(rooms))
	for _, r := range rooms {
		r = strings.TrimSpace(r)
		if r == "" || len(r) > m.cfg.MaxRoomNameLength {
			continue
		}
		if strings.HasPrefix(r, m.cfg.ReservedPrefix) {
			m.logger.Warn("Rejecting room name with reserved prefix", slog.String("room", r))
			continue
		}
		out = append(out, r)
	}
	return out
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
