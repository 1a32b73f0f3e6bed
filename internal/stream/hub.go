package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Shriprakashbharti/TradePros/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	clientQueueLen = 64
)

type envelope struct {
	topic string
	data  []byte
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool // guarded by WSHub.mu
}

// ClientMessage is what a WebSocket client may send.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Symbol string `json:"symbol"`
}

// WSHub manages WebSocket connections and routes events to the clients
// subscribed to the event's topic.
type WSHub struct {
	clients    map[*client]struct{}
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and blocks until ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		metrics.WebSocketClients.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case env := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.topics[env.topic] {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					metrics.EventsDropped.WithLabelValues("ws_client").Inc()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues an event for delivery to its topic's room.
func (h *WSHub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("ws event encode failed", "type", ev.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- envelope{topic: ev.Topic, data: data}:
	default:
		metrics.EventsDropped.WithLabelValues("ws").Inc()
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. A user_id
// query parameter joins the client to that user's room.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, clientQueueLen),
		topics: make(map[string]bool),
	}
	if uid := strings.TrimSpace(r.URL.Query().Get("user_id")); uid != "" {
		c.topics[UserTopic(uid)] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *WSHub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Symbol == "" {
			continue
		}
		topic := SymbolTopic(strings.ToUpper(strings.TrimSpace(msg.Symbol)))

		var ack string
		h.mu.Lock()
		switch msg.Action {
		case "subscribe":
			c.topics[topic] = true
			ack = "subscribed"
		case "unsubscribe":
			delete(c.topics, topic)
			ack = "unsubscribed"
		}
		h.mu.Unlock()
		if ack == "" {
			continue
		}

		reply, _ := json.Marshal(Event{Type: ack, Topic: topic, Timestamp: time.Now().UTC()})
		h.mu.RLock()
		if _, ok := h.clients[c]; ok {
			select {
			case c.send <- reply:
			default:
			}
		}
		h.mu.RUnlock()
	}
}

func (h *WSHub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
