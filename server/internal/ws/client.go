package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/channelrelay/channelrelay/pkg/types"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the connection
	// as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	errClientClosed = errors.New("ws: client closed")
	errSendBuffer   = errors.New("ws: send buffer full")
)

// client is one upgraded connection. It implements relay.Peer.
type client struct {
	conn *websocket.Conn

	mu          sync.Mutex // guards send against close
	send        chan []byte
	closed      bool
	closeCode   int
	closeReason string
}

func newClient(conn *websocket.Conn, buffer int) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, buffer),
	}
}

// Send queues env without blocking. A full buffer closes the client.
func (c *client) Send(env types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.closeLocked(websocket.CloseTryAgainLater, "send buffer full")
		return errSendBuffer
	}
}

// close stops the writer, which then sends a close frame with code and
// reason. Only the first call has any effect.
func (c *client) close(code int, reason string) {
	c.mu.Lock()
	c.closeLocked(code, reason)
	c.mu.Unlock()
}

func (c *client) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

// writePump drains the send buffer onto the connection and sends pings.
// It owns all writes to conn once started.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				c.mu.Lock()
				frame := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				c.mu.Unlock()
				c.conn.WriteMessage(websocket.CloseMessage, frame) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("ws: write failed", "remote", c.conn.RemoteAddr().String(), "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// rejectConn closes a connection whose session never joined. It runs before
// the writer starts, so it may write directly.
func rejectConn(conn *websocket.Conn, code int, reason string) {
	frame := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeTimeout)) //nolint:errcheck
	conn.Close()
}
