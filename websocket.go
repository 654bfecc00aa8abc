package main

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 2 * time.Second

// hub streams readings to websocket clients.
//
// All writes happen with mu held, a websocket.Conn supports a single writer.
type hub struct {
	upgrader websocket.Upgrader
	latest   func() (SensorReading, bool)

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newHub(latest func() (SensorReading, bool)) *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		latest:  latest,
		clients: map[*websocket.Conn]struct{}{},
	}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	if reading, ok := h.latest(); ok {
		h.write(conn, reading)
	}
	log.Printf("Client connected. Total clients: %d", len(h.clients))
	h.mu.Unlock()

	// Only used to notice the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	log.Printf("Client disconnected. Total clients: %d", len(h.clients))
	h.mu.Unlock()
}

func (h *hub) Publish(r SensorReading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		h.write(conn, r)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// write must be called with h.mu held.
func (h *hub) write(conn *websocket.Conn, r SensorReading) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(r); err != nil {
		log.Printf("WebSocket write error: %v", err)
		conn.Close()
		delete(h.clients, conn)
	}
}
