package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is a single websocket peer.
type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// documents this client follows; empty means all
	mu   sync.RWMutex
	docs map[string]bool
}

func (c *client) wants(documentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs) == 0 || c.docs[documentID]
}

// replay queues held envelopes after seq, respecting the document filter.
func (c *client) replay(after int64) {
	for _, e := range c.hub.backlog.Since(after) {
		var env struct {
			Event struct {
				DocumentID string `json:"documentId"`
			} `json:"event"`
		}
		_ = json.Unmarshal(e.Data, &env)
		if !c.wants(env.Event.DocumentID) {
			continue
		}
		select {
		case c.send <- e.Data:
		default:
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// coalesce queued envelopes into one frame, newline separated
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
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

// controlMsg is what clients may send: SUBSCRIBE/UNSUBSCRIBE a document,
// or a bare {"ping": n}.
type controlMsg struct {
	Type     string `json:"type"`
	Document string `json:"document"`
	Ping     int64  `json:"ping"`
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}

		switch msg.Type {
		case "SUBSCRIBE":
			if msg.Document != "" {
				c.mu.Lock()
				c.docs[msg.Document] = true
				c.mu.Unlock()
			}
		case "UNSUBSCRIBE":
			c.mu.Lock()
			delete(c.docs, msg.Document)
			c.mu.Unlock()
		default:
			if msg.Ping > 0 {
				pong, _ := json.Marshal(map[string]interface{}{
					"type":      "pong",
					"ping":      msg.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
				// only readPump's exit closes send
				select {
				case c.send <- pong:
				default:
				}
			}
		}
	}
}
