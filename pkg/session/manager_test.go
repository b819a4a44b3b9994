package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-essam23/go-fabric/pkg/protocol"
	"github.com/a-essam23/go-fabric/pkg/session"
	"github.com/a-essam23/go-fabric/pkg/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSocket records frames and close calls instead of touching a websocket.
type fakeSocket struct {
	id uuid.UUID

	mu         sync.Mutex
	frames     [][]byte
	sendErr    error
	closed     bool
	closeCode  int
	closeCount int

	done chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{id: uuid.New(), done: make(chan struct{})}
}

func (s *fakeSocket) ID() uuid.UUID { return s.id }

func (s *fakeSocket) Send(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, message)
	return nil
}

func (s *fakeSocket) CloseWithCode(code int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	close(s.done)
}

func (s *fakeSocket) Backpressured() bool { return false }

func (s *fakeSocket) Done() <-chan struct{} { return s.done }

func (s *fakeSocket) events(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, frame := range s.frames {
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		out = append(out, env.Event)
	}
	return out
}

func (s *fakeSocket) lastCloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

func (s *fakeSocket) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// passAuth accepts credentials of the form {"user": "...", "cipher": bool}.
func passAuth(_ context.Context, credentials json.RawMessage) (*session.Claims, error) {
	var creds struct {
		User   string `json:"user"`
		Cipher bool   `json:"cipher"`
	}
	if err := json.Unmarshal(credentials, &creds); err != nil {
		return nil, err
	}
	if creds.User == "" {
		return nil, errors.New("no user")
	}
	return &session.Claims{UserID: creds.User, Encrypt: creds.Cipher}, nil
}

func newManager(t *testing.T, cfg session.Config, callbacks session.Callbacks) *session.Manager {
	t.Helper()
	if callbacks.Authenticate == nil {
		callbacks.Authenticate = passAuth
	}
	m, err := session.NewManager(newTestLogger(), transport.NewHub(newTestLogger()), cfg, callbacks)
	require.NoError(t, err)
	return m
}

func authEnvelope(user string) []byte {
	return []byte(fmt.Sprintf(`{"event":"authenticate","data":{"user":"%s"}}`, user))
}

func joinEnvelope(rooms ...string) []byte {
	data, _ := json.Marshal(protocol.JoinRequest{Rooms: rooms})
	raw, _ := json.Marshal(protocol.Envelope{Event: protocol.EventJoin, Data: data})
	return raw
}

func leaveEnvelope(rooms ...string) []byte {
	data, _ := json.Marshal(protocol.JoinRequest{Rooms: rooms})
	raw, _ := json.Marshal(protocol.Envelope{Event: protocol.EventLeave, Data: data})
	return raw
}

// authenticate registers a socket and drives it to AUTHENTICATED.
func authenticate(t *testing.T, m *session.Manager, sock *fakeSocket, user string) {
	t.Helper()
	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)
	m.HandleInbound(context.Background(), sock.ID(), authEnvelope(user))
	require.Eventually(t, func() bool {
		return m.StateOf(sock.ID()) == session.StateAuthenticated
	}, time.Second, 5*time.Millisecond)
}

// --- Lifecycle & state machine ---

func TestRegisterStartsUnauthorized(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{})
	sock := newFakeSocket()

	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)

	require.Equal(t, session.StateUnauthorized, m.StateOf(sock.ID()))
	require.Equal(t, 1, m.ConnectionCount())
	require.Equal(t, 0, m.UserCount())
	require.Equal(t, 0, m.RoomCount())
}

func TestRegisterDuplicateFails(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{})
	sock := newFakeSocket()

	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)
	_, err = m.Register(sock, "127.0.0.1")
	require.Error(t, err)
}

func TestAuthenticateSuccess(t *testing.T) {
	var connected atomic.Int32
	m := newManager(t, session.Config{DefaultRooms: []string{"lobby"}}, session.Callbacks{
		OnConnected: func(uuid.UUID, string, map[string]any) {
			connected.Add(1)
		},
	})
	sock := newFakeSocket()

	authenticate(t, m, sock, "u1")

	require.Equal(t, 1, m.UserConnectionCount("u1"))
	require.ElementsMatch(t, []string{sock.ID().String(), "lobby"}, m.RoomsOf(sock.ID()))
	require.Equal(t, []string{protocol.EventConnected}, sock.events(t))
	require.Eventually(t, func() bool { return connected.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAuthenticateRejectedCloses(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{})
	sock := newFakeSocket()
	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)

	m.HandleInbound(context.Background(), sock.ID(), []byte(`{"event":"authenticate","data":{}}`))

	require.Eventually(t, func() bool {
		return sock.lastCloseCode() == int(protocol.CloseAuthenticationFailed)
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, m.ConnectionCount())
	require.Equal(t, 0, m.UserCount())
}

func TestAuthenticatorPanicIsRejection(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{
		Authenticate: func(context.Context, json.RawMessage) (*session.Claims, error) {
			panic("collaborator bug")
		},
	})
	sock := newFakeSocket()
	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)

	m.HandleInbound(context.Background(), sock.ID(), authEnvelope("u1"))

	require.Eventually(t, func() bool {
		return sock.lastCloseCode() == int(protocol.CloseAuthenticationFailed)
	}, time.Second, 5*time.Millisecond)
}

func TestInitialAuthTimeout(t *testing.T) {
	m := newManager(t, session.Config{InitialAuthTimeout: 30 * time.Millisecond}, session.Callbacks{})
	sock := newFakeSocket()
	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sock.lastCloseCode() == int(protocol.CloseInitialAuthTimeout)
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, m.ConnectionCount())
	require.Equal(t, 0, m.UserCount())
	require.Equal(t, 0, m.RoomCount())
}

func TestExtendedAuthTimeout(t *testing.T) {
	block := make(chan struct{})
	m := newManager(t, session.Config{InitialAuthTimeout: 20 * time.Millisecond}, session.Callbacks{
		Authenticate: func(context.Context, json.RawMessage) (*session.Claims, error) {
			<-block
			return &session.Claims{UserID: "u1"}, nil
		},
	})
	defer close(block)

	sock := newFakeSocket()
	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)
	m.HandleInbound(context.Background(), sock.ID(), authEnvelope("u1"))

	// The collaborator never resolves inside the extended window.
	require.Eventually(t, func() bool {
		return sock.lastCloseCode() == int(protocol.CloseInitialAuthTimeout)
	}, time.Second, 5*time.Millisecond)
}

func TestLateAuthResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	m := newManager(t, session.Config{}, session.Callbacks{
		Authenticate: func(context.Context, json.RawMessage) (*session.Claims, error) {
			<-release
			return &session.Claims{UserID: "u1"}, nil
		},
	})
	sock := newFakeSocket()
	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)
	m.HandleInbound(context.Background(), sock.ID(), authEnvelope("u1"))
	require.Eventually(t, func() bool {
		return m.StateOf(sock.ID()) == session.StateAuthenticating
	}, time.Second, 5*time.Millisecond)

	// Connection drops while the collaborator is still suspended.
	m.Deregister(sock.ID())
	close(release)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, session.StateDisconnected, m.StateOf(sock.ID()))
	require.Equal(t, 0, m.UserCount())
	require.Equal(t, 0, m.ConnectionCount())
}

func TestEncryptionUnavailableCloses(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{})
	sock := newFakeSocket()
	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)

	m.HandleInbound(context.Background(), sock.ID(), []byte(`{"event":"authenticate","data":{"user":"u1","cipher":true}}`))

	require.Eventually(t, func() bool {
		return sock.lastCloseCode() == int(protocol.CloseEncryptionUnavailable)
	}, time.Second, 5*time.Millisecond)
}

func TestEncryptionWithTransformSucceeds(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{
		Transform: func(_ uuid.UUID, payload []byte) ([]byte, error) { return payload, nil },
	})
	sock := newFakeSocket()
	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)

	m.HandleInbound(context.Background(), sock.ID(), []byte(`{"event":"authenticate","data":{"user":"u1","cipher":true}}`))

	require.Eventually(t, func() bool {
		return m.StateOf(sock.ID()) == session.StateAuthenticated
	}, time.Second, 5*time.Millisecond)
	member, ok := m.Client(sock.ID())
	require.True(t, ok)
	require.True(t, member.Encrypted)
}

// --- Event gate ---

func TestNonAuthEventRejectedBeforeAuthentication(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{})
	sock := newFakeSocket()
	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)

	m.HandleInbound(context.Background(), sock.ID(), []byte(`{"event":"publish","data":{}}`))

	require.Equal(t, []string{protocol.EventError}, sock.events(t))
	require.Equal(t, session.StateUnauthorized, m.StateOf(sock.ID()))
}

func TestHeartbeatNeverReachesHandlers(t *testing.T) {
	handled := false
	m := newManager(t, session.Config{}, session.Callbacks{
		OnMessage: func(context.Context, uuid.UUID, string, json.RawMessage) { handled = true },
	})
	sock := newFakeSocket()
	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)

	// Accepted in any state, answered with nothing.
	m.HandleInbound(context.Background(), sock.ID(), []byte(`{"event":"heartbeat"}`))
	require.Empty(t, sock.events(t))
	require.False(t, handled)
	require.Equal(t, session.StateUnauthorized, m.StateOf(sock.ID()))
}

func TestMalformedPayloadPreAuthIsDropped(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{})
	sock := newFakeSocket()
	_, err := m.Register(sock, "127.0.0.1")
	require.NoError(t, err)

	m.HandleInbound(context.Background(), sock.ID(), []byte(`not json`))
	require.Empty(t, sock.events(t))
	require.Equal(t, 1, m.ConnectionCount())
}

func TestMalformedPayloadPostAuthGetsError(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{})
	sock := newFakeSocket()
	authenticate(t, m, sock, "u1")

	m.HandleInbound(context.Background(), sock.ID(), []byte(`{"data":{}}`))
	require.Equal(t, []string{protocol.EventConnected, protocol.EventError}, sock.events(t))
}

func TestUnknownEventRoutedToMessageHandler(t *testing.T) {
	var gotEvent string
	m := newManager(t, session.Config{}, session.Callbacks{
		OnMessage: func(_ context.Context, _ uuid.UUID, event string, _ json.RawMessage) {
			gotEvent = event
		},
	})
	sock := newFakeSocket()
	authenticate(t, m, sock, "u1")

	m.HandleInbound(context.Background(), sock.ID(), []byte(`{"event":"chat.send","data":{}}`))
	require.Equal(t, "chat.send", gotEvent)
}

// --- Rooms ---

func TestJoinRejectedWithoutValidator(t *testing.T) {
	m := newManager(t, session.Config{DefaultRooms: []string{"lobby"}}, session.Callbacks{})
	sock := newFakeSocket()
	authenticate(t, m, sock, "u1")

	m.HandleInbound(context.Background(), sock.ID(), joinEnvelope("a", "b"))

	require.ElementsMatch(t, []string{sock.ID().String(), "lobby"}, m.RoomsOf(sock.ID()))
}

func TestJoinValidatorNarrowsRequest(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{
		ValidateRooms: func(_ context.Context, _ uuid.UUID, _ string, requested []string) ([]string, error) {
			return []string{"a"}, nil
		},
	})
	sock := newFakeSocket()
	authenticate(t, m, sock, "u1")

	m.HandleInbound(context.Background(), sock.ID(), joinEnvelope("a", "b"))

	rooms := m.RoomsOf(sock.ID())
	require.Contains(t, rooms, "a")
	require.NotContains(t, rooms, "b")

	members, ok := m.Room("a")
	require.True(t, ok)
	require.Len(t, members, 1)
	require.Equal(t, sock.ID(), members[0].ID)
}

func TestJoinSanitizesRoomNames(t *testing.T) {
	var sawRequest []string
	m := newManager(t, session.Config{}, session.Callbacks{
		ValidateRooms: func(_ context.Context, _ uuid.UUID, _ string, requested []string) ([]string, error) {
			sawRequest = requested
			return requested, nil
		},
	})
	sock := newFakeSocket()
	authenticate(t, m, sock, "u1")

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	m.HandleInbound(context.Background(), sock.ID(), joinEnvelope("", "fabric:internal", string(long), "ok"))

	require.Equal(t, []string{"ok"}, sawRequest)
	require.Contains(t, m.RoomsOf(sock.ID()), "ok")
}

func TestLeaveIsIdempotent(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{
		ValidateRooms: func(_ context.Context, _ uuid.UUID, _ string, requested []string) ([]string, error) {
			return requested, nil
		},
	})
	sock := newFakeSocket()
	authenticate(t, m, sock, "u1")
	m.HandleInbound(context.Background(), sock.ID(), joinEnvelope("a"))
	require.Contains(t, m.RoomsOf(sock.ID()), "a")
	before := m.RoomCount()

	m.HandleInbound(context.Background(), sock.ID(), leaveEnvelope("a"))
	require.NotContains(t, m.RoomsOf(sock.ID()), "a")
	require.Equal(t, before-1, m.RoomCount(), "empty room should be removed")

	// Leaving a room not held is a no-op.
	m.HandleInbound(context.Background(), sock.ID(), leaveEnvelope("a", "never-joined"))
	require.NotContains(t, m.RoomsOf(sock.ID()), "a")
}

// --- Teardown ---

func TestDeregisterCleansAllIndexes(t *testing.T) {
	var disconnected int
	m := newManager(t, session.Config{DefaultRooms: []string{"lobby"}}, session.Callbacks{
		OnDisconnected: func(uuid.UUID, string) { disconnected++ },
	})
	sock := newFakeSocket()
	authenticate(t, m, sock, "u1")

	m.Deregister(sock.ID())

	require.Equal(t, 0, m.ConnectionCount())
	require.Equal(t, 0, m.UserCount())
	require.Equal(t, 0, m.RoomCount())
	require.Equal(t, 1, disconnected)

	// Second call is a no-op: no duplicate callback.
	m.Deregister(sock.ID())
	require.Equal(t, 1, disconnected)
}

func TestDeregisterDuringAuthCompletionLeavesNoResidue(t *testing.T) {
	logger := newTestLogger()
	hub := transport.NewHub(logger)
	m, err := session.NewManager(logger, hub, session.Config{}, session.Callbacks{
		Authenticate: passAuth,
	})
	require.NoError(t, err)

	// Race the client dropping against the authentication result landing.
	// Whichever order the interleaving produces, every index must drain.
	for i := 0; i < 500; i++ {
		sock := newFakeSocket()
		_, err := m.Register(sock, "127.0.0.1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.HandleInbound(context.Background(), sock.ID(), authEnvelope("u1"))
		}()
		go func() {
			defer wg.Done()
			m.Deregister(sock.ID())
		}()
		wg.Wait()
	}

	require.Eventually(t, func() bool {
		return m.ConnectionCount() == 0 && m.UserCount() == 0 && m.RoomCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "stale registry entries after deregister raced auth completion")
	require.Eventually(t, func() bool {
		return hub.PublishAll([]byte(`{"event":"noop"}`)) == 0
	}, 2*time.Second, 10*time.Millisecond, "dead socket left registered in the hub")
}

func TestCloseAllDrainsAndIsIdempotent(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{})
	socks := []*fakeSocket{newFakeSocket(), newFakeSocket()}
	for i, sock := range socks {
		authenticate(t, m, sock, fmt.Sprintf("u%d", i))
	}

	m.CloseAll(protocol.CloseShutdown)
	require.Equal(t, 0, m.ConnectionCount())
	require.Equal(t, 0, m.UserCount())
	for _, sock := range socks {
		require.Equal(t, int(protocol.CloseShutdown), sock.lastCloseCode())
		require.Equal(t, 1, sock.closes())
	}

	// Safe to call again with nothing left.
	m.CloseAll(protocol.CloseShutdown)
	for _, sock := range socks {
		require.Equal(t, 1, sock.closes(), "no duplicate close calls")
	}
}

func TestIdleAuthenticatedExemptsUnauthenticated(t *testing.T) {
	m := newManager(t, session.Config{}, session.Callbacks{})
	idleSock := newFakeSocket()
	authenticate(t, m, idleSock, "u1")
	freshSock := newFakeSocket()
	_, err := m.Register(freshSock, "127.0.0.1")
	require.NoError(t, err)

	cutoff := time.Now().Add(time.Minute)
	idle := m.IdleAuthenticated(cutoff)
	require.Equal(t, []uuid.UUID{idleSock.ID()}, idle, "only authenticated connections are swept")
}
