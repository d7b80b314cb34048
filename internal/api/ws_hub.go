package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/metrics"
	"github.com/samma/market-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type       string `json:"type"`
	ListingID  string `json:"listing_id,omitempty"`
	AdScore    string `json:"ad_score,omitempty"`
	PaymentID  string `json:"payment_id,omitempty"`
	Status     string `json:"status,omitempty"`
	SellerPaid bool   `json:"is_seller_paid,omitempty"`
}

type envelope struct {
	data []byte
	to   []string // user ids; empty means everyone
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
}

// WSHub manages WebSocket connections. Score updates go to every client;
// payment updates only to the payment's buyer and seller.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan envelope
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's event loop and returns when ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "user_id", c.userID, "total", n)

		case c := <-h.unregister:
			h.drop(c)

		case env := <-h.broadcast:
			h.mu.RLock()
			var dead []*wsClient
			for c := range h.clients {
				if !env.addressedTo(c.userID) {
					continue
				}
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := c.conn.WriteMessage(websocket.TextMessage, env.data); err != nil {
					dead = append(dead, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range dead {
				h.drop(c)
			}
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

func (e envelope) addressedTo(userID string) bool {
	if len(e.to) == 0 {
		return true
	}
	for _, id := range e.to {
		if id != "" && id == userID {
			return true
		}
	}
	return false
}

func (h *WSHub) send(msg WSMessage, to ...string) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- envelope{data: data, to: to}:
	default:
		// Drop if buffer full to avoid blocking settlement.
	}
}

// BroadcastScore announces a listing's new ad score to every client.
func (h *WSHub) BroadcastScore(listingID string, score decimal.Decimal) {
	h.send(WSMessage{Type: "score_updated", ListingID: listingID, AdScore: score.String()})
}

// BroadcastPayment announces a payment change to its buyer and seller.
func (h *WSHub) BroadcastPayment(p *model.Payment) {
	h.send(WSMessage{
		Type:       "payment_updated",
		PaymentID:  p.ID,
		ListingID:  p.ListingID,
		Status:     string(p.Status),
		SellerPaid: p.SellerPaid,
	}, p.BuyerID, p.SellerID)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. Anonymous
// clients receive score updates only.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, userID: ActorFrom(r.Context()).ID}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- c:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[c]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
