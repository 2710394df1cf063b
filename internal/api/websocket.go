package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for local dashboards
	},
}

// Event is one typed message on the dashboard stream: "progress" ticks
// and the terminal "key_found".
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub fans solver events out to dashboard subscribers. It remembers the
// latest progress snapshot so a dashboard attaching mid-search paints
// immediately instead of waiting for the next tick.
type Hub struct {
	events chan Event

	mu           sync.Mutex
	subscribers  map[*websocket.Conn]struct{}
	lastProgress []byte
}

func NewHub() *Hub {
	return &Hub{
		events:      make(chan Event, 256),
		subscribers: make(map[*websocket.Conn]struct{}),
	}
}

// Run serializes each event once and pushes it to every subscriber,
// dropping connections that stall.
func (h *Hub) Run() {
	for ev := range h.events {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[Hub] Failed to marshal %s event: %v", ev.Type, err)
			continue
		}

		h.mu.Lock()
		if ev.Type == "progress" {
			h.lastProgress = data
		}
		for conn := range h.subscribers {
			// Write deadline prevents a stalled dashboard from wedging the hub.
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[Hub] Dropping subscriber on %s event: %v", ev.Type, err)
				conn.Close()
				delete(h.subscribers, conn)
			}
		}
		h.mu.Unlock()
	}
}

// Subscribe upgrades an incoming connection, replays the last progress
// snapshot and registers the subscriber.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] Failed to upgrade websocket: %v", err)
		return
	}

	h.mu.Lock()
	if h.lastProgress != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, h.lastProgress); err != nil {
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
	h.subscribers[conn] = struct{}{}
	nb := len(h.subscribers)
	h.mu.Unlock()
	log.Printf("[Hub] Dashboard subscribed. Total: %d", nb)

	// Drain reads to notice disconnects; the stream is push-only.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.subscribers, conn)
			h.mu.Unlock()
			conn.Close()
			log.Printf("[Hub] Dashboard unsubscribed")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Hub] Websocket error: %v", err)
				}
				break
			}
		}
	}()
}

// BroadcastEvent queues a typed event for delivery. Progress ticks are
// shed when the hub backs up (the next tick supersedes them); terminal
// events like key_found always queue.
func (h *Hub) BroadcastEvent(event string, payload any) {
	ev := Event{Type: event, Payload: payload}
	if event == "progress" {
		select {
		case h.events <- ev:
		default:
			log.Printf("[Hub] Event queue full, shedding progress tick")
		}
		return
	}
	h.events <- ev
}
