package ws

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/listening-rooms/pkg/apperr"
)

// Client is one websocket connection. Frames are written by its write pump only.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	send chan []byte
}

func newClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		id:   id,
		send: make(chan []byte, sendBufferSize),
	}
}

// enqueue must be called with the hub's lock held so send is not closed under it.
func (c *Client) enqueue(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		logrus.WithField("conn_id", c.id).Warn("Client send buffer full, dropping message")
		return apperr.Transport(fmt.Errorf("connection %s: send buffer full", c.id))
	}
}

// readPump hands every text frame to handle until the connection fails. It runs in
// the goroutine that accepted the connection.
func (c *Client) readPump(handle func(c *Client, message []byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			logCtx := logrus.WithField("conn_id", c.id)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logCtx.WithError(err).Warn("WebSocket read error")
			} else {
				logCtx.Debug("WebSocket connection closed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			logrus.WithField("conn_id", c.id).Debugf("Ignoring non-text message type %d", messageType)
			continue
		}
		handle(c, message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings. It exits
// when the hub closes the send channel or a write fails.
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logrus.WithError(err).WithField("conn_id", c.id).Warn("Failed to write message to websocket")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logrus.WithError(err).WithField("conn_id", c.id).Debug("Failed to send ping")
				return
			}
		}
	}
}
