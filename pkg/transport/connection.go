package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

// OnDrainHandler fires when a previously backpressured outbound buffer has
// fully drained.
type OnDrainHandler func(connID uuid.UUID)

type ConnectionConfig struct {
	ReadTimeout time.Duration
	// SendBuffer is the outbound queue depth. Zero means the default of 256.
	SendBuffer int
}

var (
	// ErrBufferFull reports that the outbound buffer hit its high-water mark.
	// The message was still queued unless the buffer was completely full, in
	// which case it was dropped; either way the caller should treat the
	// connection as backpressured until the drain callback fires.
	ErrBufferFull = errors.New("outbound buffer full")
	// ErrClosed reports a write against a connection that is already closed.
	ErrClosed = errors.New("connection closed")
)

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler
	onDrain   OnDrainHandler

	pressured atomic.Bool

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}

	// Paired with the wg.Done in the close path, which may run before Run
	// when registration fails.
	wg.Add(1)

	return &Connection{
		id:     id,
		conn:   conn,
		logger: connLogger,
		config: config,
		send:   make(chan []byte, config.SendBuffer),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
		wg:     wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			c.logger.Error("Connection readpump failed", slog.Any("error", err))
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
			// Signal drain once a pressured buffer empties again.
			if c.pressured.Load() && len(c.send) == 0 {
				c.pressured.Store(false)
				if c.onDrain != nil {
					c.onDrain(c.id)
				}
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "request cancelled")
			return
		}
	}
}

// Send queues a message for delivery. It is safe for concurrent use and never
// blocks. It returns nil on a plain enqueue, ErrBufferFull when the enqueue
// crossed the buffer's high-water mark (still queued) or the buffer was
// completely full (dropped), and ErrClosed when the connection is already
// gone. Blocking here would stall a multicast for a whole room behind one
// stalled peer.
func (c *Connection) Send(message []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case c.send <- message:
		if len(c.send) >= cap(c.send)*3/4 {
			c.pressured.Store(true)
			return ErrBufferFull
		}
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	default:
		c.pressured.Store(true)
		return ErrBufferFull
	}
}

// CloseWithCode closes the socket with an application close code and reason.
func (c *Connection) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.logger.Info("Transport connection closing",
			slog.Int("code", code),
			slog.String("reason", reason),
		)
		c.cancel() // Signal goroutines to stop.
		c.conn.Close(websocket.StatusCode(code), reason)
		if c.onClose != nil {
			c.onClose(c.id, errors.New(reason))
		}
		c.wg.Done()
		close(c.done)
	})
}

// Close gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		c.conn.Close(websocket.StatusNormalClosure, "")
		c.logger.Info("Connection closed")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Backpressured reports whether the outbound buffer is above its high-water
// mark and has not drained yet.
func (c *Connection) Backpressured() bool {
	return c.pressured.Load()
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}

func (c *Connection) SetOnDrainHandler(handler OnDrainHandler) {
	c.onDrain = handler
}
