package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/ledgersync/internal/broadcast"
	"github.com/kimhsiao/ledgersync/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon listens on loopback; any local page may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope wraps every message sent to a tab.
type wsEnvelope struct {
	Topic     broadcast.Topic `json:"topic"`
	Type      string          `json:"type"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// wsClient is one connected tab.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu     sync.Mutex
	topics map[broadcast.Topic]bool
}

func (c *wsClient) wants(t broadcast.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics) == 0 || c.topics[t]
}

// WSHub relays bus messages to every connected tab, so tabs converge on
// the same data and mode.
type WSHub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
	nextID  atomic.Int64
	cancel  []func()
}

// NewWSHub subscribes the hub to the data and mode topics of bus.
func NewWSHub(bus broadcast.Bus) *WSHub {
	h := &WSHub{clients: make(map[string]*wsClient)}
	for _, topic := range []broadcast.Topic{broadcast.TopicData, broadcast.TopicMode} {
		h.cancel = append(h.cancel, bus.Subscribe(topic, h.relay))
	}
	return h
}

// Clients returns the number of connected tabs.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) relay(msg broadcast.Message) {
	data, err := json.Marshal(wsEnvelope{
		Topic:     msg.Topic,
		Type:      msg.Type,
		Origin:    msg.Origin,
		Timestamp: msg.At,
	})
	if err != nil {
		logging.Error("failed to encode ws message", err, nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if !c.wants(msg.Topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow tab: drop it; it reloads state on reconnect.
			logging.Warn("dropping slow ws client", map[string]interface{}{"client": id})
			delete(h.clients, id)
			close(c.send)
		}
	}
}

func (h *WSHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	logging.Debug("ws client connected", map[string]interface{}{"client": c.id, "total": n})
}

func (h *WSHub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	logging.Debug("ws client disconnected", map[string]interface{}{"client": c.id, "total": n})
}

// Close unsubscribes from the bus and disconnects every tab.
func (h *WSHub) Close() {
	for _, cancel := range h.cancel {
		cancel()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

// ServeHTTP upgrades the connection and starts the pumps.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("ws upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c := &wsClient{
		id:     strconv.FormatInt(h.nextID.Add(1), 10) + "-" + r.RemoteAddr,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		hub:    h,
		topics: make(map[broadcast.Topic]bool),
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

// readPump handles subscribe/unsubscribe requests:
//
//	{"action": "subscribe", "topics": ["data"]}
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var req struct {
			Action string            `json:"action"`
			Topics []broadcast.Topic `json:"topics"`
		}
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("ws read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}
		c.mu.Lock()
		switch req.Action {
		case "subscribe":
			for _, t := range req.Topics {
				c.topics[t] = true
			}
		case "unsubscribe":
			for _, t := range req.Topics {
				delete(c.topics, t)
			}
		}
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
