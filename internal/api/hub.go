package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"fundpricer/internal/notification"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Hub fans job events out to websocket clients. Events arrive either from
// a Redis channel (Run) or in-process (Send, as a notification.Notifier).
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	seq     int64

	backlog *Backlog
	log     *slog.Logger

	// OnClients is called with the client count after every change (optional).
	OnClients func(n int)
}

var _ notification.Notifier = (*Hub)(nil)

// NewHub creates a hub keeping the last backlog envelopes for reconnects.
func NewHub(backlog int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]bool),
		backlog: NewBacklog(backlog),
		log:     logger,
	}
}

// Send broadcasts ev to every interested client.
func (h *Hub) Send(ctx context.Context, ev notification.Event) error {
	h.Broadcast(ev.JSON())
	return nil
}

// Broadcast wraps a raw event in an envelope and fans it out. Slow clients
// miss messages rather than block the hub.
func (h *Hub) Broadcast(event []byte) {
	var head struct {
		DocumentID string `json:"documentId"`
	}
	_ = json.Unmarshal(event, &head)

	h.mu.Lock()
	h.seq++
	seq := h.seq
	envelope, _ := json.Marshal(map[string]interface{}{
		"seq":   seq,
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"event": json.RawMessage(event),
	})
	h.backlog.Push(seq, envelope)
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(head.DocumentID) {
			continue
		}
		select {
		case c.send <- envelope:
		default:
		}
	}
}

// Run relays a Redis pub/sub channel into the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, rdb *goredis.Client, channel string) error {
	pubsub := rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	h.log.Info("relaying job events", "channel", channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !json.Valid([]byte(msg.Payload)) {
				h.log.Warn("dropping non-json event", "channel", msg.Channel)
				continue
			}
			h.Broadcast([]byte(msg.Payload))
		}
	}
}

// ServeWS upgrades the request and registers the client.
//
//	?document=ID  only events for that document (repeatable)
//	?since=SEQ    replay held events after SEQ first
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	conn.EnableWriteCompression(true)

	c := &client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		docs: make(map[string]bool),
	}
	for _, doc := range r.URL.Query()["document"] {
		if doc != "" {
			c.docs[doc] = true
		}
	}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.clientsChanged(count)
	h.log.Info("ws client connected", "clients", count)

	if since := r.URL.Query().Get("since"); since != "" {
		if after, err := strconv.ParseInt(since, 10, 64); err == nil {
			c.replay(after)
		}
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	close(c.send)
	h.mu.Unlock()
	h.clientsChanged(count)
	h.log.Info("ws client disconnected", "clients", count)
}

func (h *Hub) clientsChanged(n int) {
	if h.OnClients != nil {
		h.OnClients(n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}
