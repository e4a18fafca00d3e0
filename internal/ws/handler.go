package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Inbound frame types.
const (
	MessageJoinRoom  = "join_room"
	MessageLeaveRoom = "leave_room"
	MessagePing      = "ping"
)

// InboundMessage is a frame sent by a client.
type InboundMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// Presence applies the transitions inbound frames ask for.
type Presence interface {
	JoinRoom(ctx context.Context, connID, roomID, userID string) error
	LeaveRoom(ctx context.Context, connID, roomID, userID string) error
	Disconnect(ctx context.Context, connID string) error
}

// Ponger answers pings. *dispatch.Dispatcher implements it.
type Ponger interface {
	Pong(ctx context.Context, connID string)
}

type Handler struct {
	hub      *Hub
	presence Presence
	pong     Ponger
	upgrader websocket.Upgrader
	// active counts connections whose presence is not yet cleaned up
	active sync.WaitGroup
}

// NewHandler accepts connections from allowedOrigins; "*" allows any origin.
func NewHandler(hub *Hub, presence Presence, pong Ponger, allowedOrigins []string) *Handler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Handler{
		hub:      hub,
		presence: presence,
		pong:     pong,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins["*"] || origins[origin]
			},
		},
	}
}

// HandleWebSocket upgrades the request and serves the connection until it closes.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	// counted before the upgrade hijacks the connection from http.Server's tracking
	h.active.Add(1)
	defer h.active.Done()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	client := newClient(h.hub, conn, uuid.NewString())
	if err := h.hub.register(client); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	client.readPump(h.handleMessage)

	h.hub.unregister(client)
	// the connection is gone; its leaves still have to reach the rooms
	if err := h.presence.Disconnect(context.Background(), client.id); err != nil {
		logrus.WithError(err).WithField("conn_id", client.id).Warn("Failed to clean up presence of closed connection")
	}
}

// Wait blocks until every served connection has closed and left its rooms, or ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) handleMessage(c *Client, raw []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logrus.WithError(err).WithField("conn_id", c.id).Debug("Ignoring malformed message")
		return
	}

	ctx := context.Background()
	logCtx := logrus.WithFields(logrus.Fields{
		"conn_id": c.id,
		"type":    msg.Type,
		"room_id": msg.RoomID,
		"user_id": msg.UserID,
	})

	switch msg.Type {
	case MessageJoinRoom:
		// rejections are reported to the connection as join_room_error
		if err := h.presence.JoinRoom(ctx, c.id, msg.RoomID, msg.UserID); err != nil {
			logCtx.WithError(err).Debug("Join failed")
		}
	case MessageLeaveRoom:
		if err := h.presence.LeaveRoom(ctx, c.id, msg.RoomID, msg.UserID); err != nil {
			logCtx.WithError(err).Info("Leave failed")
		}
	case MessagePing:
		h.pong.Pong(ctx, c.id)
	default:
		logCtx.Debug("Ignoring unknown message type")
	}
}
