// Package delivery resolves logical destinations (client, user, room,
// broadcast) into concrete socket writes. Local delivery is synchronous;
// cross-process propagation through the bound Propagator is fire-and-forget.
package delivery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-fabric/pkg/protocol"
	"github.com/a-essam23/go-fabric/pkg/session"
	"github.com/a-essam23/go-fabric/pkg/transport"
	"github.com/google/uuid"
)

// Propagator mirrors local deliveries to other processes. The bus adapter
// implements it.
type Propagator interface {
	PropagateClient(id, event string, data json.RawMessage)
	PropagateUser(userID, event string, data json.RawMessage)
	PropagateRoom(room, event string, data json.RawMessage, exclude []string)
	PropagateBroadcast(event string, data json.RawMessage, exclude []string)
}

type Config struct {
	// TransformConcurrency bounds parallel per-connection transform work on
	// the slow path. Zero means the default of 16.
	TransformConcurrency int
}

// Engine performs local delivery. It only reads the session registry, apart
// from flipping backpressure flags.
type Engine struct {
	registry  *session.Manager
	hub       *transport.Hub
	transform session.TransformFunc

	propagator Propagator

	sem    chan struct{}
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger, registry *session.Manager, hub *transport.Hub, transform session.TransformFunc, cfg Config) *Engine {
	if cfg.TransformConcurrency <= 0 {
		cfg.TransformConcurrency = 16
	}
	return &Engine{
		registry:  registry,
		hub:       hub,
		transform: transform,
		sem:       make(chan struct{}, cfg.TransformConcurrency),
		logger:    logger.With(slog.String("component", "delivery_engine")),
	}
}

// BindPropagator wires the cross-process mirror. Until bound, deliveries stay
// local.
func (e *Engine) BindPropagator(p Propagator) {
	e.propagator = p
}

// SendToClient delivers to one connection. Delivery failures are absorbed
// here by contract: a full buffer marks backpressure, a closed socket is
// dropped, and the caller never sees an error.
func (e *Engine) SendToClient(id, event string, data json.RawMessage) {
	connID, err := uuid.Parse(id)
	if err != nil {
		e.logger.Debug("Ignoring send to malformed client id", slog.String("id", id))
		return
	}
	member, ok := e.registry.Client(connID)
	if !ok {
		return
	}
	e.writeTo(member, event, data)
}

// SendToUser fans out to every connection of one logical user, covering
// multi-device sessions.
func (e *Engine) SendToUser(userID, event string, data json.RawMessage) {
	for _, member := range e.registry.User(userID) {
		e.writeTo(member, event, data)
	}
}

// SendToRoom delivers to a room. With no exclusions and no transform bound it
// takes the native fan-out path: a single hub multicast with one shared
// frame. Exclusions or an active transform force the per-connection path.
func (e *Engine) SendToRoom(room, event string, data json.RawMessage, exclude ...string) {
	members, ok := e.registry.Room(room)
	if !ok {
		return
	}
	if len(exclude) == 0 && e.transform == nil {
		e.hub.Publish(room, protocol.MustEncode(event, data))
		return
	}
	e.fanOut(members, event, data, exclude)
}

// Broadcast applies the same dual-path rule to all authenticated connections.
func (e *Engine) Broadcast(event string, data json.RawMessage, exclude ...string) {
	if len(exclude) == 0 && e.transform == nil {
		e.hub.PublishAll(protocol.MustEncode(event, data))
		return
	}
	e.fanOut(e.registry.Authenticated(), event, data, exclude)
}

// fanOut is the per-connection path: iterate membership, skip exclusions,
// transform where required, bounded by the configured concurrency limit.
func (e *Engine) fanOut(members []session.Member, event string, data json.RawMessage, exclude []string) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var wg sync.WaitGroup
	for _, member := range members {
		if _, excluded := skip[member.ID.String()]; excluded {
			continue
		}
		wg.Add(1)
		e.sem <- struct{}{}
		go func(member session.Member) {
			defer wg.Done()
			defer func() { <-e.sem }()
			e.writeTo(member, event, data)
		}(member)
	}
	wg.Wait()
}

// writeTo serializes (transforming if the connection requires it) and writes
// one envelope to one socket.
func (e *Engine) writeTo(member session.Member, event string, data json.RawMessage) {
	payload := data
	if member.Encrypted && e.transform != nil {
		transformed, err := e.runTransform(member.ID, data)
		if err != nil {
			e.logger.Warn("Payload transform failed, dropping delivery",
				slog.String("connID", member.ID.String()),
				slog.Any("error", err),
			)
			return
		}
		payload = transformed
	}

	err := member.Socket.Send(protocol.MustEncode(event, payload))
	switch {
	case err == nil:
	case err == transport.ErrBufferFull:
		// Queued above the high-water mark, or dropped outright on a full
		// buffer; flag the connection until the drain signal clears it.
		e.registry.MarkBackpressure(member.ID)
		e.logger.Warn("Connection backpressured", slog.String("connID", member.ID.String()))
	default:
		e.logger.Debug("Dropped delivery to closed connection",
			slog.String("connID", member.ID.String()),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) runTransform(connID uuid.UUID, data json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("transform panicked: %v", r)
		}
	}()
	return e.transform(connID, data)
}
