// Package realtime streams governance decisions to operator tooling over
// WebSocket. Dashboards subscribe instead of polling the audit log.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/payguard/payguard/internal/governance"
	"github.com/payguard/payguard/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// DecisionEvent is the wire format for one governance decision.
type DecisionEvent struct {
	PayoutID   string                `json:"payout_id"`
	AgentID    string                `json:"agent_id"`
	Amount     int64                 `json:"amount"`
	Currency   string                `json:"currency"`
	Decision   governance.Decision   `json:"decision"`
	ReasonCode governance.ReasonCode `json:"reason_code"`
	ThreatTags []string              `json:"threat_tags,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Subscription filters what a connected client receives. The zero value
// receives everything.
type Subscription struct {
	AgentIDs  []string              `json:"agent_ids"`
	Decisions []governance.Decision `json:"decisions"`
	MinAmount int64                 `json:"min_amount"`
}

func (s Subscription) matches(ev *DecisionEvent) bool {
	if len(s.AgentIDs) > 0 {
		found := false
		for _, id := range s.AgentIDs {
			if id == ev.AgentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.Decisions) > 0 {
		found := false
		for _, d := range s.Decisions {
			if d == ev.Decision {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return ev.Amount >= s.MinAmount
}

// Client is one connected feed consumer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients bounds concurrent feed connections.
const MaxClients = 1000

// Hub fans decision events out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *DecisionEvent
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents atomic.Int64
}

// NewHub creates a decision feed hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *DecisionEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("decision feed started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveFeedClients.Set(0)
			h.logger.Info("decision feed stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveFeedClients.Set(float64(n))
			h.logger.Info("feed client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveFeedClients.Set(float64(n))
			h.logger.Info("feed client disconnected", "total", n)

		case ev := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, _ := json.Marshal(ev)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				client.mu.RLock()
				send := client.sub.matches(ev)
				client.mu.RUnlock()
				if !send {
					continue
				}
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
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

// BroadcastDecision publishes one decided intent to the feed. Events are
// dropped rather than blocking a governance cycle.
func (h *Hub) BroadcastDecision(intent governance.Intent, res governance.Result) {
	ev := &DecisionEvent{
		PayoutID:   res.PayoutID,
		AgentID:    res.AgentID,
		Amount:     res.Amount,
		Currency:   intent.Currency,
		Decision:   res.Decision,
		ReasonCode: res.ReasonCode,
		ThreatTags: res.ThreatTags,
		Timestamp:  time.Now().UTC(),
	}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("feed channel full, dropping event", "payout_id", res.PayoutID)
	}
}

// Stats reports connection and event totals for the health surface.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connected_clients": len(h.clients),
		"total_events":      h.totalEvents.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes subscription updates and pongs from the client.
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
				c.hub.logger.Warn("websocket read error", "error", err)
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
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
