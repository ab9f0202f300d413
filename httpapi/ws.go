package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/RichardMcSorley/breather-outbox/hub"
	"github.com/RichardMcSorley/breather-outbox/syncer"
)

// WebSocket event types pushed to connected clients.
const (
	EventStateChanged = "state.changed"
	EventPassFinished = "sync.pass_finished"
)

// Envelope wraps every pushed WebSocket message.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// EventHub fans sync events out to connected WebSocket clients. Slow clients
// whose send buffer fills up are dropped rather than allowed to stall the
// broadcast path.
type EventHub struct {
	log *slog.Logger

	clients    map[string]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient

	mu sync.RWMutex
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *EventHub
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API fronts a local companion process; cross-origin pages in the
	// same browser are still allowed to connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewEventHub creates an EventHub and starts its dispatch loop.
func NewEventHub(log *slog.Logger) *EventHub {
	if log == nil {
		log = slog.Default()
	}
	h := &EventHub{
		log:        log,
		clients:    map[string]*wsClient{},
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
	go h.run()
	return h
}

func (h *EventHub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("ws: client connected", "id", c.id, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("ws: client disconnected", "id", c.id, "total", n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast pushes one typed event to every connected client.
func (h *EventHub) Broadcast(eventType string, data map[string]any) {
	b, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.log.Error("ws: marshal event failed", "type", eventType, "error", err)
		return
	}
	h.broadcast <- b
}

// BroadcastState pushes a state snapshot after connectivity or queue changes.
func (h *EventHub) BroadcastState(st hub.State) {
	h.Broadcast(EventStateChanged, map[string]any{
		"online":       st.Online,
		"queue_length": st.QueueLength,
		"syncing":      st.Syncing,
	})
}

// BroadcastPass pushes the result of a completed drain pass.
func (h *EventHub) BroadcastPass(r syncer.Report) {
	h.Broadcast(EventPassFinished, map[string]any{
		"attempted":   r.Attempted,
		"succeeded":   r.Succeeded,
		"failed":      r.Failed,
		"remaining":   r.Remaining,
		"offline":     r.Offline,
		"duration_ms": r.Duration.Milliseconds(),
	})
}

// Handle upgrades the request to a WebSocket connection and registers it.
func (h *EventHub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws: upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Clients only listen; inbound frames just keep the connection alive.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("ws: read error", "id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
