package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-fabric/pkg/protocol"
	"github.com/a-essam23/go-fabric/pkg/session"
)

// heartbeatMonitor periodically disconnects authenticated connections that
// stopped sending heartbeat events. It is strictly passive: the server never
// pings; clients are required to emit heartbeats themselves.
type heartbeatMonitor struct {
	registry *session.Manager
	interval time.Duration
	timeout  time.Duration

	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once

	logger *slog.Logger
}

func newHeartbeatMonitor(logger *slog.Logger, registry *session.Manager, interval, timeout time.Duration) *heartbeatMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &heartbeatMonitor{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		stop:     make(chan struct{}),
		logger:   logger.With(slog.String("component", "heartbeat_monitor")),
	}
}

func (h *heartbeatMonitor) Start() {
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.sweep()
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *heartbeatMonitor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

// sweep closes every authenticated connection whose last activity is older
// than the timeout. Connections still authenticating are bounded by the auth
// timers instead.
func (h *heartbeatMonitor) sweep() {
	cutoff := h.now().Add(-h.timeout)
	for _, connID := range h.registry.IdleAuthenticated(cutoff) {
		h.logger.Info("Disconnecting idle connection", slog.String("connID", connID.String()))
		h.registry.CloseWithCode(connID, protocol.CloseHeartbeatTimeout)
	}
}
