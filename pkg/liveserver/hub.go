// Package liveserver pushes order lifecycle and recovery events to admin
// dashboard clients over websockets. The feed is advisory: slow or dead
// clients get dropped, never waited on.
package liveserver

import (
	"context"
	"sync"
	"time"
)

// Logger is the minimal logging surface the hub needs.
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
}

// Client is one connected dashboard session.
type Client struct {
	id     string
	send   chan Message
	mu     sync.Mutex
	closed bool
}

func newClient(id string) *Client {
	return &Client{id: id, send: make(chan Message, 256)}
}

// trySend queues a message without blocking. False means the client is slow
// or gone and should be unregistered.
func (c *Client) trySend(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans events out to every connected client.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	logger     Logger
	clock      func() time.Time
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		clock:      time.Now,
	}
}

// Run drives registration and broadcast until the context ends, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("feed client connected", "client_id", c.id, "clients", n)
			}

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()

			for _, c := range targets {
				if !c.trySend(msg) {
					select {
					case h.unregister <- c:
					default:
					}
				}
			}
		}
	}
}

// Register hands a new client to the run loop.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister detaches a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// Publish broadcasts one event. It satisfies the orders.EventSink shape and
// never blocks the caller: a full feed drops the event.
func (h *Hub) Publish(event string, data interface{}) {
	msg := Message{Type: event, Data: data, At: h.clock().UTC()}
	select {
	case h.broadcast <- msg:
	default:
		if h.logger != nil {
			h.logger.Warn("live feed saturated, dropping event", "type", event)
		}
	}
}

// ClientCount reports connected clients for the health endpoint.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
