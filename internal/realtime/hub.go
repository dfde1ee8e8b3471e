// Package realtime streams escrow lifecycle activity over WebSocket.
//
// Clients connect to /v1/ws and receive escrow events as they are
// committed. Users only ever see escrows they pay or are paid by; admins
// may watch everything and narrow the stream with a subscription message.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mbd888/bountyescrow/internal/auth"
	"github.com/mbd888/bountyescrow/internal/escrow"
	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType for real-time events
type EventType string

const (
	EventEscrowHeld     EventType = "escrow.held"
	EventEscrowReleased EventType = "escrow.released"
	EventEscrowRefunded EventType = "escrow.refunded"
	EventEscrowDisputed EventType = "escrow.disputed"
	EventEscrowExpired  EventType = "escrow.expired"
)

// Activity is the escrow snapshot carried by an event.
type Activity struct {
	EscrowID   string          `json:"escrowId"`
	Status     escrow.Status   `json:"status"`
	PayerID    string          `json:"payerId"`
	PayeeID    string          `json:"payeeId,omitempty"`
	QuestionID string          `json:"questionId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

// Event represents a real-time event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Escrow    *Activity `json:"escrow"`
}

// involves reports whether userID is a party to the event's escrow.
func (e *Event) involves(userID string) bool {
	return e.Escrow != nil && userID != "" && (e.Escrow.PayerID == userID || e.Escrow.PayeeID == userID)
}

// Subscription filters for a client
type Subscription struct {
	AllEvents   bool            `json:"allEvents"`
	EventTypes  []EventType     `json:"eventTypes"`
	UserIDs     []string        `json:"userIds"`     // Watch specific payers or payees
	QuestionIDs []string        `json:"questionIds"` // Watch specific questions
	MinAmount   decimal.Decimal `json:"minAmount"`   // Only escrows at or above this
}

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	viewer string
	admin  bool
	mu     sync.RWMutex
	sub    Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	upgrader   websocket.Upgrader

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub. Browser connections are accepted
// from the serving host and from allowedOrigins.
func NewHub(logger *slog.Logger, allowedOrigins ...string) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logging.OrDiscard(logger),
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // Non-browser clients
			}
			if origin == "http://"+r.Host || origin == "https://"+r.Host {
				return true
			}
			return slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "userId", client.viewer, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "userId", client.viewer, "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to serialize event", "type", event.Type, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks if event is visible to the client and matches its
// subscription
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	if !client.admin && !event.involves(client.viewer) {
		return false
	}

	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}
	if event.Escrow == nil {
		return true
	}
	if len(sub.UserIDs) > 0 && !slices.ContainsFunc(sub.UserIDs, event.involves) {
		return false
	}
	if len(sub.QuestionIDs) > 0 && !slices.Contains(sub.QuestionIDs, event.Escrow.QuestionID) {
		return false
	}
	if sub.MinAmount.IsPositive() && event.Escrow.Amount.LessThan(sub.MinAmount) {
		return false
	}
	return true
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

var _ escrow.Hooks = (*Hub)(nil)

func (h *Hub) OnEscrowHeld(_ context.Context, e *escrow.Escrow) {
	h.broadcastEscrow(EventEscrowHeld, e)
}

func (h *Hub) OnEscrowReleased(_ context.Context, e *escrow.Escrow) {
	h.broadcastEscrow(EventEscrowReleased, e)
}

func (h *Hub) OnEscrowRefunded(_ context.Context, e *escrow.Escrow) {
	h.broadcastEscrow(EventEscrowRefunded, e)
}

func (h *Hub) OnEscrowDisputed(_ context.Context, e *escrow.Escrow) {
	h.broadcastEscrow(EventEscrowDisputed, e)
}

func (h *Hub) OnEscrowExpired(_ context.Context, e *escrow.Escrow) {
	h.broadcastEscrow(EventEscrowExpired, e)
}

func (h *Hub) broadcastEscrow(t EventType, e *escrow.Escrow) {
	h.Broadcast(&Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Escrow: &Activity{
			EscrowID:   e.ID,
			Status:     e.Status,
			PayerID:    e.PayerID,
			PayeeID:    e.PayeeID,
			QuestionID: e.QuestionID,
			Amount:     e.Amount,
			Currency:   e.Currency,
		},
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// RegisterRoutes mounts the WebSocket endpoint on an authenticated group.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", func(c *gin.Context) {
		h.HandleWebSocket(c.Writer, c.Request, auth.UserID(c), auth.IsAdmin(c))
	})
}

// RegisterAdminRoutes mounts hub statistics.
func (h *Hub) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"stats": h.Stats()})
	})
}

// HandleWebSocket upgrades HTTP to WebSocket for an authenticated viewer.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, viewer string, admin bool) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		viewer: viewer,
		admin:  admin,
		sub:    Subscription{AllEvents: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates from the WebSocket
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to the WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
