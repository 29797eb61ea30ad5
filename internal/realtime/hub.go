package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/datallboy/gohls/internal/infra/logger"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Event is the frame every observer receives.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type client struct {
	id   string
	send chan []byte
}

// Hub fans scheduler events out to websocket observers. A slow observer loses
// events instead of stalling the broadcaster.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	log      *logger.Logger
	upgrader websocket.Upgrader
	snapshot func() []Event
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// observers are local tools and browser tabs on other ports
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetSnapshot sets the events a client receives right after connecting.
func (h *Hub) SetSnapshot(fn func() []Event) { h.snapshot = fn }

// Broadcast encodes the event once and queues it for every client.
func (h *Hub) Broadcast(eventType string, data any) {
	msg, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		h.log.Error("Failed to encode %s event: %v", eventType, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("Client %s is too slow, dropping %s event", c.id, eventType)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("Client %s connected, %d clients", c.id, n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		close(c.send)
		delete(h.clients, c.id)
		h.log.Debug("Client %s disconnected, %d clients", c.id, len(h.clients))
	}
}

// ServeHTTP upgrades the request and streams events until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.log.Warn("Websocket upgrade failed: %v", err)
		return
	}

	c := &client{id: ksuid.New().String(), send: make(chan []byte, sendBuffer)}

	// the snapshot is queued before registering so it always arrives first
	if h.snapshot != nil {
		for _, e := range h.snapshot() {
			msg, err := json.Marshal(e)
			if err != nil {
				h.log.Error("Failed to encode %s event: %v", e.Type, err)
				continue
			}
			select {
			case c.send <- msg:
			default:
			}
		}
	}
	h.register(c)

	go h.writeLoop(conn, c)
	h.readLoop(conn, c)
}

// readLoop only handles control frames; observers never send commands here.
func (h *Hub) readLoop(conn *websocket.Conn, c *client) {
	defer func() {
		h.unregister(c)
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}
