// Package wsocket is the LAN broadcast hub: every connected peer receives
// every frame any other peer sends. Delivery is best-effort with no
// per-peer queue; a peer that cannot be written to is dropped during the
// broadcast that discovered it.
package wsocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powerbot_wsocket_peers",
		Help: "Currently connected hub peers.",
	})
	broadcastFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powerbot_wsocket_broadcast_frames_total",
		Help: "Frames rebroadcast to peers.",
	})
)

const writeTimeout = 5 * time.Second

// Hub is the broadcast server.
type Hub struct {
	mu       sync.Mutex
	peers    map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
	echo     *echo.Echo
}

// NewHub builds the hub and its HTTP surface (/ws and /health).
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		peers: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			// LAN-only service; origin enforcement happens at the network
			// boundary.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "wsocket"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/ws", h.handleWS)
	e.GET("/health", h.handleHealth)
	h.echo = e
	return h
}

// Start serves the hub on addr until the context is canceled.
func (h *Hub) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.echo.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.echo.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "hub server failed")
	}
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Hub) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"ok":    true,
		"peers": h.PeerCount(),
	})
}

func (h *Hub) handleWS(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return errors.Wrap(err, "websocket upgrade failed")
	}

	h.mu.Lock()
	h.peers[conn] = true
	count := len(h.peers)
	h.mu.Unlock()
	connectedPeers.Set(float64(count))
	h.logger.Info("peer connected", "remote", conn.RemoteAddr().String(), "peers", count)

	go h.readLoop(conn)
	return nil
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removePeer(conn)
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		// The literal ping is a keepalive probe answered privately, not
		// rebroadcast.
		if string(payload) == "ping" {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
			continue
		}
		h.broadcast(conn, payload)
	}
}

// broadcast sends a frame to every peer, including the sender's siblings
// and the sender itself, dropping peers whose writes fail.
func (h *Hub) broadcast(_ *websocket.Conn, payload []byte) {
	h.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(h.peers))
	for peer := range h.peers {
		targets = append(targets, peer)
	}
	h.mu.Unlock()

	var dead []*websocket.Conn
	for _, peer := range targets {
		_ = peer.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := peer.WriteMessage(websocket.TextMessage, payload); err != nil {
			dead = append(dead, peer)
		}
	}
	broadcastFrames.Inc()
	for _, peer := range dead {
		h.removePeer(peer)
	}
}

func (h *Hub) removePeer(conn *websocket.Conn) {
	h.mu.Lock()
	if !h.peers[conn] {
		h.mu.Unlock()
		return
	}
	delete(h.peers, conn)
	count := len(h.peers)
	h.mu.Unlock()

	_ = conn.Close()
	connectedPeers.Set(float64(count))
	h.logger.Info("peer removed", "peers", count)
}
