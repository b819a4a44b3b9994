package delivery

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// SendRequest is the single public entry used by callers of the fabric.
type SendRequest struct {
	// Destination selects the target: empty for broadcast, a live connection
	// id for a direct send, otherwise a room name.
	Destination string
	Event       string
	Data        json.RawMessage
	Exclude     []string
}

type destKind int

const (
	destBroadcast destKind = iota
	destClient
	destRoom
	destRemoteRoom
)

// resolve classifies the destination exactly once per call.
func (e *Engine) resolve(destination string) destKind {
	if destination == "" {
		return destBroadcast
	}
	if connID, err := uuid.Parse(destination); err == nil {
		if _, ok := e.registry.Client(connID); ok {
			return destClient
		}
	}
	if _, ok := e.registry.Room(destination); ok {
		return destRoom
	}
	// Not known locally: optimistically treated as a room on another
	// process. If the same string is a client id elsewhere, cross-instance
	// direct delivery silently fails; preserved as-is because deployed
	// clients rely on the room interpretation.
	return destRemoteRoom
}

// Send performs local delivery for the resolved destination and mirrors it to
// the bus. Propagation is skipped when event or data is absent; that is
// deliberate fire-and-forget behavior for optional fields, not an error.
func (e *Engine) Send(req SendRequest) {
	if req.Event == "" {
		e.logger.Debug("Ignoring send with no event")
		return
	}

	propagate := e.propagator != nil && req.Data != nil

	switch e.resolve(req.Destination) {
	case destBroadcast:
		e.Broadcast(req.Event, req.Data, req.Exclude...)
		if propagate {
			e.propagator.PropagateBroadcast(req.Event, req.Data, req.Exclude)
		}
	case destClient:
		e.SendToClient(req.Destination, req.Event, req.Data)
		if propagate {
			e.propagator.PropagateClient(req.Destination, req.Event, req.Data)
		}
	case destRoom:
		e.SendToRoom(req.Destination, req.Event, req.Data, req.Exclude...)
		if propagate {
			e.propagator.PropagateRoom(req.Destination, req.Event, req.Data, req.Exclude)
		}
	case destRemoteRoom:
		if propagate {
			e.logger.Debug("Destination unknown locally, forwarding to bus as room",
				slog.String("destination", req.Destination),
			)
			e.propagator.PropagateRoom(req.Destination, req.Event, req.Data, req.Exclude)
		}
	}
}
