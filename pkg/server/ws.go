package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/batcontrol/batcontrol/pkg/log"
	"github.com/batcontrol/batcontrol/pkg/types"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	// origin policy is enforced by the CORS middleware in front
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope wraps every message pushed to websocket clients.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	wsTypeStatus   = "status"
	wsTypeDecision = "decision"
)

// wsClient is one connected websocket consumer.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans controller updates out to websocket clients. It implements
// core.Publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]bool),
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcast sends a message to all connected clients, dropping it for any
// client whose buffer is full.
func (h *Hub) broadcast(ctx context.Context, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal ws payload", slog.Any("error", err))
		return
	}
	msg, err := json.Marshal(wsEnvelope{Type: msgType, Payload: raw})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal ws envelope", slog.Any("error", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			log.Ctx(ctx).WarnContext(ctx, "ws client buffer full, dropping message")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishStatus implements core.Publisher.
func (h *Hub) PublishStatus(ctx context.Context, st types.Status) {
	h.broadcast(ctx, wsTypeStatus, st)
}

// PublishDecision implements core.Publisher.
func (h *Hub) PublishDecision(ctx context.Context, d types.Decision) {
	h.broadcast(ctx, wsTypeDecision, d)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 64),
	}
	s.hub.register(client)
	go client.writePump()

	// greet with the current state so clients don't wait a full tick
	if st, ok := s.core.Status(); ok {
		if raw, err := json.Marshal(st); err == nil {
			if msg, err := json.Marshal(wsEnvelope{Type: wsTypeStatus, Payload: raw}); err == nil {
				select {
				case client.send <- msg:
				default:
				}
			}
		}
	}

	client.readPump()
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump drains (and ignores) client messages until the connection closes;
// all control actions go through the HTTP setters.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
