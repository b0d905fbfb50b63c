package ui

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 1 << 20
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// client is one connected frontend. The write pump owns all socket writes.
type client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	out    chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

// HandleWS upgrades a frontend connection and streams the current state.
// Commands run under the client's own context, not the upgrade request's:
// net/http cancels the request context as soon as this handler returns, long
// before the websocket session ends.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ui upgrade failed", "err", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:     uuid.New().String(),
		hub:    h,
		conn:   conn,
		out:    make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.register(c)

	for _, raw := range h.snapshotMessages() {
		c.enqueue(raw)
	}

	go c.writePump()
	go c.readPump(ctx)
}

// enqueue queues one frame, dropping it when the client cannot keep up.
func (c *client) enqueue(raw []byte) {
	select {
	case <-c.done:
	case c.out <- raw:
	default:
		slog.Warn("ui client lagging, frame dropped", "id", c.id)
	}
}

func (c *client) send(msgType string, data any) {
	if raw := message(msgType, data); raw != nil {
		c.enqueue(raw)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
		c.hub.unregister(c)
	})
}

func (c *client) readPump(ctx context.Context) {
	defer c.close()
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		c.hub.handleCommand(ctx, c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case raw := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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
