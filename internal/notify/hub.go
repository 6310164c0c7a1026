package notify

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced by the HTTP layer
	},
}

// envelope is the wire shape of every published event.
type envelope struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// clientMsg is what connected clients may send: topic subscription changes.
type clientMsg struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

// Hub is a websocket Notifier: each client subscribes to topics and receives
// every payload published to them. Publish never blocks the caller; clients
// that cannot keep up are dropped.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, clients: make(map[*client]bool)}
}

// Publish implements Notifier.
func (h *Hub) Publish(topic string, payload any) {
	data, err := json.Marshal(envelope{Topic: topic, Data: payload})
	if err != nil {
		h.log.Error("failed to marshal event", zap.String("topic", topic), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Send buffer full; the client's writer will be torn down by
			// its own read loop once the connection dies.
			h.log.Warn("dropping event for slow client", zap.String("topic", topic))
		}
	}
}

// ServeHTTP upgrades the connection and serves it until the peer goes away.
// userID, when non-zero, auto-subscribes the client to its private topic.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 64),
		topics: make(map[string]bool),
	}
	if userID != 0 {
		c.topics[UserTopic(userID)] = true
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go c.writeLoop()
	c.readLoop()

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	topics map[string]bool
}

func (c *client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

func (c *client) readLoop() {
	defer c.conn.Close()
	for {
		var msg clientMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		c.mu.Lock()
		for _, t := range msg.Subscribe {
			c.topics[t] = true
		}
		for _, t := range msg.Unsubscribe {
			delete(c.topics, t)
		}
		c.mu.Unlock()
	}
}

func (c *client) writeLoop() {
	// Closing the connection here unblocks readLoop, so a failed writer
	// tears the whole client down instead of waiting for the peer.
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
