// Package broadcast implements the Broadcast Hub: a single
// global set of WebSocket subscribers fed typed JSON messages, with a
// per-subscriber send timeout so one slow client can't stall the rest.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const sendTimeout = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out messages to every currently-connected /ws subscriber.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	log     zerolog.Logger
}

// New creates an empty Hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		log:     log.With().Str("component", "broadcast_hub").Logger(),
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a subscriber until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.register(conn)
	go h.readPump(conn)
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// readPump keeps the connection alive, answering client "ping" text
// frames with "pong", and unregisters on any read error.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer h.unregister(conn)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "ping" {
			conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		}
	}
}

// Broadcast marshals v to JSON and fans it out to every subscriber. A
// send that doesn't complete within sendTimeout drops that subscriber
// so one slow client never blocks the rest; delivery iterates a copy of
// the subscriber set.
func (h *Hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal broadcast message")
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(sendTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister(conn)
		}
	}
}
