package live

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/recallhq/recall/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Per-subscriber buffered event capacity
	sendBufferSize = 256
)

// Client represents a single viewer WebSocket connection.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger
}

func newClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue queues a frame for delivery. On overflow the oldest queued frame
// is dropped so the newest events win; the publisher never blocks.
func (c *Client) enqueue(message []byte) {
	for {
		select {
		case c.send <- message:
			return
		default:
			select {
			case <-c.send:
				c.logger.Debug("subscriber buffer full, dropped oldest event")
			default:
			}
		}
	}
}

// readPump consumes the connection until the peer disconnects. The viewer
// stream is one-way; inbound frames are discarded, but reading is required
// to process pong control frames and detect closure.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
