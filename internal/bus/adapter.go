package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// LocalDeliverer is the local-only half of the delivery engine. The adapter
// routes foreign bus messages through these calls; they must not re-publish
// or deliveries would loop between processes forever.
type LocalDeliverer interface {
	SendToClient(id, event string, data json.RawMessage)
	SendToUser(userID, event string, data json.RawMessage)
	SendToRoom(room, event string, data json.RawMessage, exclude ...string)
	Broadcast(event string, data json.RawMessage, exclude ...string)
}

var ErrBrokerRequired = errors.New("a broker handle is required")

// Adapter mirrors local deliveries to the broker and replays foreign ones
// locally, with self-dedup on the process id.
type Adapter struct {
	broker   Broker
	local    LocalDeliverer
	serverID string
	prefix   string

	closeOnce sync.Once
	done      chan struct{}

	logger *slog.Logger
}

func NewAdapter(logger *slog.Logger, broker Broker, local LocalDeliverer, prefix string) (*Adapter, error) {
	if broker == nil {
		return nil, ErrBrokerRequired
	}
	return &Adapter{
		broker:   broker,
		local:    local,
		serverID: uuid.NewString(),
		prefix:   normalizePrefix(prefix),
		done:     make(chan struct{}),
		logger:   logger.With(slog.String("component", "bus_adapter")),
	}, nil
}

// ServerID returns this process's generated origin identifier.
func (a *Adapter) ServerID() string {
	return a.serverID
}

// Start subscribes to the broadcast channel and the client/user/room
// wildcard patterns, then consumes the stream until Close.
func (a *Adapter) Start(ctx context.Context) error {
	channels, patterns := subscriptionsFor(a.prefix)
	inbound, err := a.broker.Subscribe(ctx, channels, patterns)
	if err != nil {
		return err
	}
	go a.receiveLoop(inbound)
	a.logger.Info("Bus adapter subscribed",
		slog.String("serverID", a.serverID),
		slog.Any("channels", channels),
		slog.Any("patterns", patterns),
	)
	return nil
}

// receiveLoop routes every inbound message. A single bad message must not
// kill the loop, so handle never panics outward.
func (a *Adapter) receiveLoop(inbound <-chan Inbound) {
	for in := range inbound {
		a.handle(in)
	}
	a.logger.Debug("Bus receive loop terminated")
}

func (a *Adapter) handle(in Inbound) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Panic while handling bus message", slog.Any("panic", r))
		}
	}()

	msg, err := decodeMessage(in.Payload)
	if err != nil {
		a.logger.Warn("Dropping malformed bus message",
			slog.String("channel", in.Channel),
			slog.Any("error", err),
		)
		return
	}

	// Self-dedup: we already delivered locally before publishing.
	if msg.Origin == a.serverID {
		return
	}

	switch msg.Type {
	case TypeClient:
		a.local.SendToClient(msg.Target, msg.Event, msg.Data)
	case TypeUser:
		a.local.SendToUser(msg.Target, msg.Event, msg.Data)
	case TypeRoom:
		a.local.SendToRoom(msg.Target, msg.Event, msg.Data, msg.Exclude...)
	case TypeBroadcast:
		a.local.Broadcast(msg.Event, msg.Data, msg.Exclude...)
	default:
		a.logger.Warn("Dropping bus message of unknown type", slog.String("type", msg.Type))
	}
}

// publish mirrors one local delivery. Best-effort: a publish failure is
// logged, never surfaced to the delivery path.
func (a *Adapter) publish(typ, target, event string, data json.RawMessage, exclude []string) {
	msg := Message{
		Origin:  a.serverID,
		Type:    typ,
		Target:  target,
		Event:   event,
		Data:    data,
		Exclude: exclude,
	}
	payload, err := msg.encode()
	if err != nil {
		a.logger.Error("Failed to encode bus message", slog.Any("error", err))
		return
	}
	channel := channelFor(a.prefix, typ, target)
	if err := a.broker.Publish(context.Background(), channel, payload); err != nil {
		a.logger.Warn("Bus publish failed",
			slog.String("channel", channel),
			slog.Any("error", err),
		)
	}
}

// --- delivery.Propagator ---

func (a *Adapter) PropagateClient(id, event string, data json.RawMessage) {
	a.publish(TypeClient, id, event, data, nil)
}

func (a *Adapter) PropagateUser(userID, event string, data json.RawMessage) {
	a.publish(TypeUser, userID, event, data, nil)
}

func (a *Adapter) PropagateRoom(room, event string, data json.RawMessage, exclude []string) {
	a.publish(TypeRoom, room, event, data, exclude)
}

func (a *Adapter) PropagateBroadcast(event string, data json.RawMessage, exclude []string) {
	a.publish(TypeBroadcast, "", event, data, exclude)
}

// Close shuts the broker down. Idempotent.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		err = a.broker.Close()
	})
	return err
}
