// Package wsfanout binds the event bus to external WebSocket clients: the
// fan-out sink named in the kernel's design notes alongside the log sink,
// for dashboards and external tooling that want a live feed of the fixed
// topic namespace rather than polling.
package wsfanout

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/cliorchestrator/kernel/internal/eventbus"
	"github.com/gorilla/websocket"
)

const clientSendBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub subscribes to a target on the event bus and broadcasts every event
// it receives to every connected WebSocket client, JSON-encoded.
type Hub struct {
	bus    *eventbus.Bus
	target string
	types  []eventbus.EventType

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub builds a fan-out hub over bus, subscribed to target (usually
// "all") for the given event types (nil means every type).
func NewHub(bus *eventbus.Bus, target string, types []eventbus.EventType) *Hub {
	return &Hub{
		bus:     bus,
		target:  target,
		types:   types,
		clients: make(map[*client]bool),
	}
}

// Run subscribes to the bus and forwards events to clients until ch is
// closed or the bus unsubscribes it; call in its own goroutine.
func (h *Hub) Run() {
	ch := h.bus.Subscribe(h.target, h.types)
	for event := range ch {
		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("[WSFANOUT] marshal event %s: %v", event.ID, err)
			continue
		}
		h.broadcast(data)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and registers
// it as a fan-out client. Clients are write-only: the kernel does not
// accept commands over this socket, only the upstream HTTP API does.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WSFANOUT] upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.readPump(c)
	go h.writePump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	c.conn.Close()
}

// ClientCount returns the number of currently connected fan-out clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
