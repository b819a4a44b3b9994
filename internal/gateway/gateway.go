// Package gateway wires the fabric together: transport accept loop, session
// manager, delivery engine, bus adapter and heartbeat monitor, exposed
// through Configure and Shutdown.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-essam23/go-fabric/internal/bus"
	"github.com/a-essam23/go-fabric/internal/gateway/middleware"
	"github.com/a-essam23/go-fabric/pkg/config"
	"github.com/a-essam23/go-fabric/pkg/delivery"
	"github.com/a-essam23/go-fabric/pkg/protocol"
	"github.com/a-essam23/go-fabric/pkg/session"
	"github.com/a-essam23/go-fabric/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Stats is a point-in-time view of the registries.
type Stats struct {
	Connections int   `json:"connections"`
	Users       int   `json:"users"`
	Rooms       int   `json:"rooms"`
	Multicasts  int64 `json:"multicasts"`
}

type Gateway struct {
	logger   *slog.Logger
	cfg      *config.Config
	hub      *transport.Hub
	registry *session.Manager
	engine   *delivery.Engine
	bus      *bus.Adapter
	monitor  *heartbeatMonitor
	http     *http.Server

	wg         sync.WaitGroup
	configured atomic.Bool
	shutdown   atomic.Bool

	ctx context.Context
}

// New builds an unconfigured gateway. A missing broker handle is a fatal
// configuration error; the fabric cannot run without cross-process
// propagation.
func New(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, broker bus.Broker, callbacks session.Callbacks) (*Gateway, error) {
	if broker == nil {
		return nil, bus.ErrBrokerRequired
	}

	hub := transport.NewHub(logger)
	registry, err := session.NewManager(logger, hub, session.Config{
		InitialAuthTimeout: cfg.Auth.InitialTimeout,
		DefaultRooms:       cfg.Rooms.Defaults,
		MaxRoomNameLength:  cfg.Rooms.MaxNameLength,
		ReservedPrefix:     cfg.Bus.ChannelPrefix,
	}, callbacks)
	if err != nil {
		return nil, err
	}

	engine := delivery.NewEngine(logger, registry, hub, callbacks.Transform, delivery.Config{
		TransformConcurrency: cfg.Delivery.TransformConcurrency,
	})

	adapter, err := bus.NewAdapter(logger, broker, engine, cfg.Bus.ChannelPrefix)
	if err != nil {
		return nil, err
	}
	engine.BindPropagator(adapter)

	g := &Gateway{
		logger:   logger,
		cfg:      cfg,
		hub:      hub,
		registry: registry,
		engine:   engine,
		bus:      adapter,
		monitor:  newHeartbeatMonitor(logger, registry, cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout),
		ctx:      rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(g.upgradeHandler)
	connCycler := func(addr string) {
		if oldest, found := registry.OldestForAddr(addr); found {
			logger.Info("Cycling connection: closing oldest", slog.String("addr", addr), slog.String("connID", oldest.String()))
			registry.CloseWithCode(oldest, protocol.CloseShutdown)
		}
	}
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewUpgradeLogger(logger),
			middleware.NewConnectionLimiter(
				logger,
				registry.ConnectionCountForAddr,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.HandleFunc("/stats", g.statsHandler)

	g.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return g.ctx
	}}

	return g, nil
}

// Configure starts the bus subscriptions, the heartbeat monitor and the HTTP
// listener.
func (g *Gateway) Configure() error {
	if !g.configured.CompareAndSwap(false, true) {
		return errors.New("gateway already configured")
	}
	if err := g.bus.Start(g.ctx); err != nil {
		return err
	}
	g.monitor.Start()

	go func() {
		g.logger.Info("Server starting", slog.String("addr", g.http.Addr))
		if err := g.http.ListenAndServe(); err != http.ErrServerClosed {
			g.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()
	return nil
}

// Run configures the gateway and blocks until the root context is cancelled,
// then shuts down.
func (g *Gateway) Run() error {
	if err := g.Configure(); err != nil {
		return err
	}
	<-g.ctx.Done()
	return g.Shutdown()
}

func (g *Gateway) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	var remoteAddr string
	if reqMeta != nil {
		remoteAddr = reqMeta.IP
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&g.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout: g.cfg.Transport.ReadTimeout,
			SendBuffer:  g.cfg.Transport.SendBuffer,
		},
		g.logger,
	)

	if _, err := g.registry.Register(conn, remoteAddr); err != nil {
		g.logger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnMessageHandler(g.registry.HandleInbound)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		g.registry.Deregister(id)
	})
	conn.SetOnDrainHandler(g.registry.ClearBackpressure)

	conn.Run()
	<-conn.Done()
}

func (g *Gateway) statsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.Stats())
}

// --- Public API ---

// Send is the single delivery entry used by callers.
func (g *Gateway) Send(req delivery.SendRequest) {
	g.engine.Send(req)
}

func (g *Gateway) SendToClient(id, event string, data json.RawMessage) {
	g.engine.SendToClient(id, event, data)
}

func (g *Gateway) SendToUser(userID, event string, data json.RawMessage) {
	g.engine.SendToUser(userID, event, data)
}

func (g *Gateway) SendToRoom(room, event string, data json.RawMessage, exclude ...string) {
	g.engine.SendToRoom(room, event, data, exclude...)
}

func (g *Gateway) Broadcast(event string, data json.RawMessage, exclude ...string) {
	g.engine.Broadcast(event, data, exclude...)
}

// Registry exposes the connection registry query API.
func (g *Gateway) Registry() *session.Manager {
	return g.registry
}

// ServerID returns the process's bus origin identifier.
func (g *Gateway) ServerID() string {
	return g.bus.ServerID()
}

func (g *Gateway) Stats() Stats {
	return Stats{
		Connections: g.registry.ConnectionCount(),
		Users:       g.registry.UserCount(),
		Rooms:       g.registry.RoomCount(),
		Multicasts:  g.hub.Publishes(),
	}
}

// Shutdown tears the fabric down: heartbeat first, then every live
// connection with a shutdown reason, synchronous index cleanup, then the
// broker connections and the HTTP listener. Idempotent and safe with no
// connections.
func (g *Gateway) Shutdown() error {
	if !g.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	var shutdownErr error
	g.logger.Info("Shutting down gateway...")
	g.monitor.Stop()

	g.registry.CloseAll(protocol.CloseShutdown)

	if err := g.bus.Close(); err != nil {
		g.logger.Error("Failed to close bus", slog.Any("error", err))
		shutdownErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.http.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("HTTP shutdown failed", slog.Any("error", err))
		shutdownErr = err
	}

	// Wait for connection goroutines to finish their cleanup.
	g.wg.Wait()
	g.logger.Info("Gateway shut down gracefully.")
	return shutdownErr
}
