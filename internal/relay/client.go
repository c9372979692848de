package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = 20 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// client is one downstream WebSocket consumer. All outbound traffic flows
// through the buffered send channel; the write pump is the only goroutine
// touching the connection for writes.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	srv    *Server
	logger *slog.Logger

	sendMu    sync.Mutex
	sendDone  bool
	closeOnce sync.Once
}

func newClient(srv *Server, conn *websocket.Conn) *client {
	id := uuid.NewString()
	return &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		srv:    srv,
		logger: srv.logger.With("client", id),
	}
}

// enqueue hands a frame to the write pump without blocking. A full buffer
// means the consumer stopped reading; the client is disconnected rather
// than letting it stall the fan-out path.
func (c *client) enqueue(msg []byte) {
	c.sendMu.Lock()
	if c.sendDone {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.sendMu.Unlock()
	default:
		c.sendMu.Unlock()
		c.logger.Warn("send buffer full, disconnecting client")
		c.close()
	}
}

// shutdownSend closes the send channel exactly once; enqueue becomes a
// no-op afterwards.
func (c *client) shutdownSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendDone {
		c.sendDone = true
		close(c.send)
	}
}

// close shuts the connection down. The read pump notices and runs the
// server-side cleanup exactly once.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
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

func (c *client) readPump() {
	defer func() {
		c.srv.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("client read failed", "err", err)
			}
			return
		}
		c.srv.handleMessage(c, raw)
	}
}
