package ws

import (
	"sync"

	"log/slog"

	"github.com/gorilla/websocket"
)

const sendBufferSize = 64

// Client wraps a websocket connection. Writes go through a buffered
// channel drained by a single writer goroutine, so payloads reach any
// one connection in emission order.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	log    *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewClient wraps a connection and starts its writer.
func NewClient(id string, conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		log:  logger,
	}
	go c.writePump()
	return c
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Deliver enqueues a payload for the writer. When the buffer is full the
// payload is dropped; only non-droppable drops are logged.
func (c *Client) Deliver(payload []byte, droppable bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		if !droppable {
			c.log.Warn("send buffer full, dropping payload", "connection_id", c.id)
		}
		return false
	}
}

func (c *Client) writePump() {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.log.Warn("websocket send failed", "connection_id", c.id, "error", err)
			c.Close()
			return
		}
	}
}

// Close terminates the connection and stops the writer.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}
