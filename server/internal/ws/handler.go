package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/channelrelay/channelrelay/pkg/types"
	"github.com/channelrelay/channelrelay/server/internal/config"
	"github.com/channelrelay/channelrelay/server/internal/relay"
)

// PathPrefix is where Handler expects to be mounted.
const PathPrefix = types.EndpointPathPrefix

// Handler upgrades requests to websockets and drives one relay.Session per
// connection.
type Handler struct {
	hub      *relay.Hub
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*client]struct{}
	shutdown bool
}

// New creates a Handler creating sessions on hub.
func New(hub *relay.Hub, cfg config.WebSocketConfig) *Handler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = config.DefaultSendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	policy := newOriginPolicy(cfg.AllowedOrigins)
	return &Handler{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     policy.check,
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP serves GET /ws/endpoint/{code}. It blocks until the connection
// closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code := strings.Trim(strings.TrimPrefix(r.URL.Path, PathPrefix), "/")
	if code == "" || strings.Contains(code, "/") {
		http.NotFound(w, r)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		slog.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := newClient(conn, h.cfg.SendBuffer)
	sess := h.hub.NewSession(c)
	ctx := r.Context()

	if err := sess.Handle(ctx, relay.Event{Kind: relay.EventConnect, Token: code}); err != nil {
		if errors.Is(err, relay.ErrTokenNotFound) {
			rejectConn(conn, websocket.ClosePolicyViolation, "unknown endpoint")
		} else {
			rejectConn(conn, websocket.CloseInternalServerErr, "endpoint lookup failed")
		}
		return
	}

	if !h.register(c) {
		sess.Handle(ctx, relay.Event{Kind: relay.EventDisconnect}) //nolint:errcheck
		rejectConn(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.unregister(c)

	go c.writePump()
	h.readPump(c, sess)
}

// Count returns the number of open connections.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every open connection with a going-away frame and refuses
// new ones. Sessions leave their groups as their read loops end.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	slog.Info("ws: connections closed", "count", len(clients))
}

// --- internal ---------------------------------------------------------------

func (h *Handler) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Handler) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// readPump feeds inbound frames to sess until the connection fails, then
// disconnects the session and stops the writer.
func (h *Handler) readPump(c *client, sess *relay.Session) {
	ctx := context.Background()
	closeCode, closeReason := websocket.CloseNormalClosure, ""
	defer func() {
		sess.Handle(ctx, relay.Event{Kind: relay.EventDisconnect}) //nolint:errcheck
		c.close(closeCode, closeReason)
	}()

	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ws: read failed", "session", sess.ID(), "err", err)
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				closeCode, closeReason = websocket.CloseMessageTooBig, "message too big"
			}
			return
		}

		err = sess.Handle(ctx, relay.Event{Kind: relay.EventMessage, Raw: data})
		switch {
		case err == nil:
		case errors.Is(err, relay.ErrMalformedMessage):
			slog.Info("ws: malformed message, closing", "session", sess.ID(), "err", err)
			closeCode, closeReason = websocket.CloseUnsupportedData, "malformed message"
			return
		default:
			slog.Debug("ws: message rejected, closing", "session", sess.ID(), "err", err)
			return
		}
	}
}
