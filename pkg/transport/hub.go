package transport

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Socket is the write side of a connection as seen by the rest of the fabric.
// *Connection implements it; tests substitute their own.
type Socket interface {
	ID() uuid.UUID
	Send(message []byte) error
	CloseWithCode(code int, reason string)
	Backpressured() bool
	Done() <-chan struct{}
}

var _ Socket = (*Connection)(nil)

// Hub is the transport's topic-based multicast primitive. A topic maps to the
// set of sockets subscribed to it; Publish writes one pre-serialized frame to
// every member without the caller iterating membership. This is the fast
// fan-out path: it cannot exclude members or transform payloads per socket.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[uuid.UUID]Socket
	sockets map[uuid.UUID]Socket

	publishes atomic.Int64

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		topics:  make(map[string]map[uuid.UUID]Socket),
		sockets: make(map[uuid.UUID]Socket),
		logger:  logger.With(slog.String("component", "transport_hub")),
	}
}

// Register makes a socket eligible for PublishAll.
func (h *Hub) Register(s Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sockets[s.ID()] = s
}

// Deregister removes the socket from every topic and from PublishAll.
func (h *Hub) Deregister(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sockets, id)
	for topic, members := range h.topics {
		delete(members, id)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Subscribe adds a socket to a topic. Topics are created on first subscribe.
func (h *Hub) Subscribe(topic string, s Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[uuid.UUID]Socket)
		h.topics[topic] = members
	}
	members[s.ID()] = s
}

// Unsubscribe removes a socket from a topic, dropping the topic when empty.
func (h *Hub) Unsubscribe(topic string, id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

// Publish writes one frame to every subscriber of the topic and returns the
// member count. Write failures are logged here; the multicast primitive has
// no per-member error reporting.
func (h *Hub) Publish(topic string, frame []byte) int {
	h.publishes.Add(1)

	h.mu.RLock()
	members := h.topics[topic]
	targets := make([]Socket, 0, len(members))
	for _, s := range members {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(frame); err != nil && !errors.Is(err, ErrBufferFull) {
			h.logger.Debug("multicast write failed", slog.String("topic", topic), slog.String("connID", s.ID().String()), slog.Any("error", err))
		}
	}
	return len(targets)
}

// PublishAll writes one frame to every registered socket.
func (h *Hub) PublishAll(frame []byte) int {
	h.publishes.Add(1)

	h.mu.RLock()
	targets := make([]Socket, 0, len(h.sockets))
	for _, s := range h.sockets {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(frame); err != nil && !errors.Is(err, ErrBufferFull) {
			h.logger.Debug("broadcast write failed", slog.String("connID", s.ID().String()), slog.Any("error", err))
		}
	}
	return len(targets)
}

// Publishes reports how many multicast calls the hub has served. Exposed for
// stats.
func (h *Hub) Publishes() int64 {
	return h.publishes.Load()
}
