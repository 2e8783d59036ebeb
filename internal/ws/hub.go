package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/huddle-chat/huddle/internal/metrics"
	"github.com/huddle-chat/huddle/internal/models"
)

// hubMessage is one fan-out operation. Exactly one of the scoping fields may
// be set: Target narrows delivery to a single client, Exclude skips the
// originating client (typing events).
type hubMessage struct {
	Payload []byte
	Target  *Client
	Exclude *Client
}

// Hub manages the set of connected clients and all payload fan-out. Every
// delivery funnels through the run loop so broadcasts and point-to-point
// replies keep their relative order.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	send       chan hubMessage
}

// NewHub builds a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		send:       make(chan hubMessage),
	}
}

// Run starts the hub loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
		case msg := <-h.send:
			metrics.BroadcastsTotal.Inc()
			for client := range h.clients {
				if msg.Target != nil && client != msg.Target {
					continue
				}
				if msg.Exclude != nil && client == msg.Exclude {
					continue
				}
				select {
				case client.Send <- msg.Payload:
				default:
					delete(h.clients, client)
					close(client.Send)
				}
			}
		}
	}
}

// Broadcast sends a payload to every connected client.
func (h *Hub) Broadcast(payload []byte) {
	h.send <- hubMessage{Payload: payload}
}

// BroadcastExcept sends a payload to every client but the originator.
func (h *Hub) BroadcastExcept(origin *Client, payload []byte) {
	h.send <- hubMessage{Payload: payload, Exclude: origin}
}

// SendTo delivers a payload to a single client.
func (h *Hub) SendTo(target *Client, payload []byte) {
	h.send <- hubMessage{Payload: payload, Target: target}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// Client represents one websocket session with its authenticated user bound
// at handshake time. Every authorization decision uses this binding, never a
// client-supplied identity field.
type Client struct {
	Conn *websocket.Conn
	Hub  *Hub
	Send chan []byte

	mu   sync.RWMutex
	user models.User
}

// NewClient returns a client ready for registration.
func NewClient(hub *Hub, conn *websocket.Conn, user models.User) *Client {
	return &Client{
		Conn: conn,
		Hub:  hub,
		Send: make(chan []byte, 256),
		user: user,
	}
}

// User returns the session's bound user.
func (c *Client) User() models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// SetUser refreshes the bound user, e.g. after a profile update.
func (c *Client) SetUser(user models.User) {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
}
