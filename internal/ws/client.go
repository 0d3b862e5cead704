package ws

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/coderoom/internal/metrics"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 256

	maxRateLimitWarnings = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection. Room identity fields are owned by the
// hub goroutine and change only on join, leave and eviction.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	id          string
	remoteAddr  string
	rateLimiter *ratelimit.Limiter

	roomID   string
	userID   string
	username string

	// Room this connection is waiting to enter while it loads.
	joining string

	// Set by the hub once send is closed. Frames still in flight from the
	// read pump are dropped after that.
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          uuid.NewString(),
		remoteAddr:  remoteAddr,
		rateLimiter: ratelimit.NewLimiter(hub.cfg.MessagesPerSecond, hub.cfg.MessageBurst),
	}
}

func (c *Client) joined() bool { return c.roomID != "" }

// ServeWs upgrades the request and registers the connection. When the query
// carries room and user_id the connection joins that room right away.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	remote := remoteHost(r)
	if hub.upgrades != nil && !hub.upgrades.Allow(remote) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", remote, "error", err)
		return
	}

	client := newClient(hub, conn, remote)

	var autoJoin []byte
	q := r.URL.Query()
	if roomID, userID := q.Get("room"), q.Get("user_id"); roomID != "" && userID != "" {
		autoJoin, _ = protocol.Encode(struct {
			Type     protocol.MessageType `json:"type"`
			RoomID   string               `json:"room_id"`
			UserID   string               `json:"user_id"`
			Username string               `json:"username"`
		}{protocol.TypeJoinRoom, roomID, userID, q.Get("username")})
	}

	if !hub.enter(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(autoJoin)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c *Client) readPump(autoJoin []byte) {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	if autoJoin != nil && !c.hub.submit(&Message{Client: c, Data: autoJoin}) {
		return
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "client_id", c.id, "error", err)
			}
			break
		}
		// Any frame counts as liveness.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			metrics.RateLimited.Inc()
			if rateLimitWarnings%100 == 1 {
				slog.Warn("rate limit exceeded", "client_id", c.id, "remote", c.remoteAddr, "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > maxRateLimitWarnings {
				slog.Warn("disconnecting client for excessive rate limit violations", "client_id", c.id)
				return
			}
			continue
		}

		if !c.hub.submit(&Message{Client: c, Data: message}) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands data to the write pump without blocking. It must only be
// called from the hub goroutine, which is also the only closer of send.
// Writes to a closed connection are discarded.
func (c *Client) enqueue(data []byte) bool {
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend ends the write pump. Called once, from the hub goroutine.
func (c *Client) closeSend() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// closeConn drops the underlying socket so the read pump unregisters.
func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
	}
}
