package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/xswap/pkg/logging"
)

// EventType represents the type of WebSocket event.
type EventType string

const (
	// EventSwapStatus carries an order view after every status change.
	EventSwapStatus EventType = "swap_status"
)

// WSEvent is a WebSocket event message.
type WSEvent struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// SwapStatusEvent is the data of a swap_status event.
type SwapStatusEvent struct {
	Event   string      `json:"event"`
	OrderID string      `json:"order_id"`
	Order   interface{} `json:"order,omitempty"`
}

// WSSubscription represents a subscription request. Clients subscribe to
// event types, or to the events of specific orders.
type WSSubscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Events []string `json:"events"` // Event types to subscribe to
	Orders []string `json:"orders,omitempty"`
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[EventType]bool
	orders        map[string]bool
	mu            sync.RWMutex
	hub           *WSHub
}

// wants reports whether the client is subscribed to event.
func (c *WSClient) wants(event *WSEvent, orderID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) > 0 && !c.subscriptions[event.Type] {
		return false
	}
	if len(c.orders) > 0 && !c.orders[orderID] {
		return false
	}
	return true
}

type hubMessage struct {
	event   *WSEvent
	orderID string
}

// WSHub manages all WebSocket connections.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan hubMessage
	register   chan *WSClient
	unregister chan *WSClient
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan hubMessage, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		quit:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run starts the hub event loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("WebSocket client disconnected", "clients", h.ClientCount())

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg.event)
			if err != nil {
				h.log.Error("Failed to marshal event", "error", err)
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.event, msg.orderID) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Client's buffer is full, disconnect
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends Run and closes every client.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Broadcast sends an event to all subscribed clients.
func (h *WSHub) Broadcast(eventType EventType, data interface{}) {
	msg := hubMessage{event: &WSEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}}
	if ev, ok := data.(*SwapStatusEvent); ok {
		msg.orderID = ev.OrderID
	}

	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("Broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS handles WebSocket connections.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[EventType]bool),
		orders:        make(map[string]bool),
		hub:           s.wsHub,
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			break
		}

		// Handle subscription messages
		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// handleSubscription processes subscription requests.
func (c *WSClient) handleSubscription(sub *WSSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, eventStr := range sub.Events {
		eventType := EventType(eventStr)
		switch sub.Action {
		case "subscribe":
			c.subscriptions[eventType] = true
		case "unsubscribe":
			delete(c.subscriptions, eventType)
		}
	}
	for _, id := range sub.Orders {
		switch sub.Action {
		case "subscribe":
			c.orders[id] = true
		case "unsubscribe":
			delete(c.orders, id)
		}
	}
}
