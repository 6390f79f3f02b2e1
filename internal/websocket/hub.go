package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casoon/auditmysite-studio-sub003/internal/events"
	"github.com/casoon/auditmysite-studio-sub003/internal/metrics"
	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
)

// Hub maintains the set of active clients and streams audit lifecycle
// events to them. Every client owns one bus subscription; a client that
// cannot keep up is dropped instead of stalling the stream.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	bus        *events.Bus
	logger     logging.Logger
	metrics    *metrics.Metrics
	mutex      sync.RWMutex
}

// Client represents a WebSocket client connection.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	sub        *events.Subscription
	send       chan []byte
	done       chan struct{}
	remoteAddr string
	logger     logging.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a new WebSocket hub fed by the run event bus.
func NewHub(logger logging.Logger, bus *events.Bus, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		bus:        bus,
		logger:     logger,
		metrics:    m,
	}
}

// Run starts the hub's bookkeeping loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.trackConnect()
			h.logger.WithFields(logging.Fields{
				"client_count": count,
				"remote_addr":  client.remoteAddr,
			}).Info("Client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			_, known := h.clients[client]
			if known {
				delete(h.clients, client)
				close(client.done)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			if known {
				h.trackDisconnect()
				h.logger.WithFields(logging.Fields{
					"client_count": count,
				}).Info("Client disconnected")
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWS handles WebSocket requests from clients.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		sub:        h.bus.Subscribe(),
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		remoteAddr: conn.RemoteAddr().String(),
		logger:     h.logger,
	}

	// Queued before any pump starts, so it is always the first frame on
	// the wire.
	ack := surveyor.ConnectionAck{
		Type:      "connection",
		Status:    "connected",
		Timestamp: time.Now().UTC(),
	}
	if data, err := json.Marshal(ack); err == nil {
		client.send <- data
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
	go client.streamEvents()
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

// streamEvents forwards bus events to the client's send queue. It owns
// the send channel; closing it tells writePump to finish with a close
// frame.
func (c *Client) streamEvents() {
	defer close(c.send)
	defer c.sub.Close()

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.sub.Events():
			if !ok {
				// Bus shut down; drop the connection.
				c.hub.unregister <- c
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				c.logger.WithError(err).Error("Failed to encode event frame")
				continue
			}
			select {
			case c.send <- data:
			case <-c.done:
				return
			default:
				c.logger.WithFields(logging.Fields{
					"remote_addr": c.remoteAddr,
				}).Warn("Client send queue full, dropping connection")
				c.hub.unregister <- c
				return
			}
		}
	}
}

// readPump pumps messages from the WebSocket connection to the hub. The
// stream is one-way; inbound frames only keep the connection alive.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("WebSocket connection error")
			}
			break
		}
		c.hub.countMessage("in")
	}
}

// writePump pumps queued frames to the WebSocket connection. Every
// event goes out as its own text frame; clients parse each frame as a
// standalone JSON document.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			c.hub.countMessage("out")

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) trackConnect() {
	if h.metrics != nil && h.metrics.HubConnections != nil {
		h.metrics.HubConnections.WithLabelValues().Inc()
	}
}

func (h *Hub) trackDisconnect() {
	if h.metrics != nil && h.metrics.HubConnections != nil {
		h.metrics.HubConnections.WithLabelValues().Dec()
	}
}

func (h *Hub) countMessage(direction string) {
	if h.metrics != nil && h.metrics.HubMessages != nil {
		h.metrics.HubMessages.WithLabelValues(direction).Inc()
	}
}
