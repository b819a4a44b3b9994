package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// RemoteOrigin is the fixed sentinel origin of registry-free emitters. It can
// never collide with a generated server id, so every live process treats
// emitter messages as foreign and delivers them.
const RemoteOrigin = "remote"

// Emitter pushes deliveries into the bus from processes that hold no live
// connections (workers, schedulers). It needs only a publish connection.
type Emitter struct {
	publisher Publisher
	prefix    string
	logger    *slog.Logger
}

func NewEmitter(logger *slog.Logger, publisher Publisher, prefix string) (*Emitter, error) {
	if publisher == nil {
		return nil, ErrBrokerRequired
	}
	return &Emitter{
		publisher: publisher,
		prefix:    normalizePrefix(prefix),
		logger:    logger.With(slog.String("component", "remote_emitter")),
	}, nil
}

func (e *Emitter) ToClient(ctx context.Context, id, event string, data json.RawMessage) error {
	return e.emit(ctx, TypeClient, id, event, data, nil)
}

func (e *Emitter) ToUser(ctx context.Context, userID, event string, data json.RawMessage) error {
	return e.emit(ctx, TypeUser, userID, event, data, nil)
}

func (e *Emitter) ToRoom(ctx context.Context, room, event string, data json.RawMessage, exclude ...string) error {
	return e.emit(ctx, TypeRoom, room, event, data, exclude)
}

func (e *Emitter) Broadcast(ctx context.Context, event string, data json.RawMessage, exclude ...string) error {
	return e.emit(ctx, TypeBroadcast, "", event, data, exclude)
}

func (e *Emitter) emit(ctx context.Context, typ, target, event string, data json.RawMessage, exclude []string) error {
	if event == "" {
		return fmt.Errorf("event is required")
	}
	msg := Message{
		Origin:  RemoteOrigin,
		Type:    typ,
		Target:  target,
		Event:   event,
		Data:    data,
		Exclude: exclude,
	}
	payload, err := msg.encode()
	if err != nil {
		return err
	}
	channel := channelFor(e.prefix, typ, target)
	e.logger.Debug("Emitting remote delivery", slog.String("channel", channel), slog.String("event", event))
	return e.publisher.Publish(ctx, channel, payload)
}
