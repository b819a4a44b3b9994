package transport_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/a-essam23/go-fabric/pkg/transport"
	"github.com/google/uuid"
)

type stubSocket struct {
	id uuid.UUID

	mu     sync.Mutex
	frames int
}

func newStubSocket() *stubSocket {
	return &stubSocket{id: uuid.New()}
}

func (s *stubSocket) ID() uuid.UUID { return s.id }

func (s *stubSocket) Send([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *stubSocket) CloseWithCode(int, string) {}
func (s *stubSocket) Backpressured() bool       { return false }
func (s *stubSocket) Done() <-chan struct{}     { return nil }

func (s *stubSocket) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func newHub() *transport.Hub {
	return transport.NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishReachesTopicSubscribersOnly(t *testing.T) {
	hub := newHub()
	in, out := newStubSocket(), newStubSocket()
	hub.Register(in)
	hub.Register(out)
	hub.Subscribe("game", in)

	if n := hub.Publish("game", []byte(`frame`)); n != 1 {
		t.Fatalf("Publish returned %d members, want 1", n)
	}
	if in.frameCount() != 1 || out.frameCount() != 0 {
		t.Errorf("unexpected frame counts: in=%d out=%d", in.frameCount(), out.frameCount())
	}
}

func TestPublishAllReachesEveryRegisteredSocket(t *testing.T) {
	hub := newHub()
	a, b := newStubSocket(), newStubSocket()
	hub.Register(a)
	hub.Register(b)

	if n := hub.PublishAll([]byte(`frame`)); n != 2 {
		t.Fatalf("PublishAll returned %d, want 2", n)
	}
	if a.frameCount() != 1 || b.frameCount() != 1 {
		t.Errorf("unexpected frame counts: a=%d b=%d", a.frameCount(), b.frameCount())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := newHub()
	s := newStubSocket()
	hub.Subscribe("game", s)
	hub.Unsubscribe("game", s.ID())

	if n := hub.Publish("game", []byte(`frame`)); n != 0 {
		t.Fatalf("Publish returned %d, want 0", n)
	}
}

func TestDeregisterRemovesFromAllTopics(t *testing.T) {
	hub := newHub()
	s := newStubSocket()
	hub.Register(s)
	hub.Subscribe("a", s)
	hub.Subscribe("b", s)
	hub.Deregister(s.ID())

	hub.Publish("a", []byte(`frame`))
	hub.Publish("b", []byte(`frame`))
	hub.PublishAll([]byte(`frame`))
	if s.frameCount() != 0 {
		t.Errorf("deregistered socket received %d frames", s.frameCount())
	}
}

func TestPublishesCounterCountsMulticasts(t *testing.T) {
	hub := newHub()
	hub.Publish("empty", []byte(`frame`))
	hub.PublishAll([]byte(`frame`))
	if got := hub.Publishes(); got != 2 {
		t.Errorf("Publishes() = %d, want 2", got)
	}
}
