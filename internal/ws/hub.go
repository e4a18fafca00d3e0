// Package ws is the websocket transport: it delivers outbound events to live
// connections and turns inbound frames into presence transitions.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/listening-rooms/pkg/apperr"
	"github.com/listening-rooms/pkg/events"
	"github.com/listening-rooms/pkg/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBufferSize = 256
)

var errHubClosed = errors.New("hub closed")

// Roster lists the connections present in a room. The presence table implements it.
type Roster interface {
	Roster(ctx context.Context, roomID string) ([]models.Occupant, error)
}

// Hub holds the connections of this process. It implements events.Transport; room
// membership comes from the presence table, so a room broadcast reaches exactly the
// local connections the table lists.
type Hub struct {
	roster Roster

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

func NewHub(roster Roster) *Hub {
	return &Hub{
		roster:  roster,
		clients: make(map[string]*Client),
	}
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	h.clients[c.id] = c
	logrus.WithFields(logrus.Fields{"conn_id": c.id, "clients": len(h.clients)}).Info("Client registered")
	return nil
}

// unregister removes the client and closes its send channel, which ends its write pump.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.id]; !ok || current != c {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	logrus.WithFields(logrus.Fields{"conn_id": c.id, "clients": len(h.clients)}).Info("Client unregistered")
}

// Count returns the number of connections held by this process.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops accepting connections and closes every open one.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	logrus.Info("Hub closed")
}

func (h *Hub) SendToConnection(_ context.Context, connID string, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok {
		return apperr.NotFound("connection %s", connID)
	}
	return c.enqueue(data)
}

func (h *Hub) BroadcastToRoom(ctx context.Context, roomID string, event events.Event, excludeConnID string) error {
	roster, err := h.roster.Roster(ctx, roomID)
	if err != nil {
		return apperr.Transport(fmt.Errorf("load roster of room %s: %w", roomID, err))
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	var errs []error
	for _, o := range roster {
		if o.ConnectionID == excludeConnID {
			continue
		}
		// connections of other processes are not ours to reach
		if c, ok := h.clients[o.ConnectionID]; ok {
			if err := c.enqueue(data); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) BroadcastGlobal(_ context.Context, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	var errs []error
	for _, c := range h.clients {
		if err := c.enqueue(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
