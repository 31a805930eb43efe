package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultMaxClients = 500
	writeTimeout      = 10 * time.Second
	pongTimeout       = 60 * time.Second
	pingInterval      = 30 * time.Second
	readLimit         = 4096
	sendBuffer        = 256
	allSymbols        = "*"
)

// WebSocketMessage is the envelope for every frame sent to clients.
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
	Time string      `json:"time"`
}

// Authenticator resolves a bearer token to a user id.
type Authenticator func(token string) (uint, error)

// Client represents a WebSocket client
type Client struct {
	id         string
	userID     uint
	conn       *websocket.Conn
	send       chan []byte
	subscribed map[string]bool
	mu         sync.RWMutex

	// accepted reports the hub's registration decision.
	accepted chan bool
	// closed is set under the hub lock when send is closed.
	closed bool
}

func (c *Client) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed[allSymbols] || c.subscribed[symbol]
}

// outbound is a frame routed either to one user or to subscribers of a symbol.
// With neither set it goes to everyone.
type outbound struct {
	symbol string
	userID uint
	data   []byte
}

type HubStatus struct {
	Clients       int    `json:"clients"`
	Authenticated int    `json:"authenticated"`
	MaxClients    int    `json:"max_clients"`
	Dropped       uint64 `json:"dropped"`
}

// Hub fans out ticks and user notifications to websocket clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	maxClients int
	auth       Authenticator
	dropped    atomic.Uint64
}

func NewHub(maxClients int, auth Authenticator) *Hub {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		maxClients: maxClients,
		auth:       auth,
	}
}

// Run processes registrations and outbound frames until ctx is done, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			client.closed = true
			close(client.send)
		}
		h.clients = make(map[*Client]bool)
		h.mu.Unlock()
		zap.L().Info("WebSocket hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			client.accepted <- h.admit(client)

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.mu.Lock()
			var dead []*Client
			for client := range h.clients {
				if !msg.matches(client) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					dead = append(dead, client)
				}
			}
			for _, client := range dead {
				h.drop(client)
			}
			h.mu.Unlock()
		}
	}
}

// admit adds client unless the hub is full.
func (h *Hub) admit(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.maxClients {
		zap.L().Warn("WebSocket client rejected: max clients reached", zap.Int("max", h.maxClients))
		return false
	}
	h.clients[client] = true
	zap.L().Debug("WebSocket client connected", zap.String("client", client.id), zap.Int("total", len(h.clients)))
	return true
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		h.drop(client)
	}
	zap.L().Debug("WebSocket client disconnected", zap.String("client", client.id), zap.Int("total", len(h.clients)))
}

// drop closes a registered client's queue. h.mu must be held.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	client.closed = true
	close(client.send)
}

func (m outbound) matches(c *Client) bool {
	switch {
	case m.userID != 0:
		return c.userID == m.userID
	case m.symbol != "":
		return c.wants(m.symbol)
	default:
		return true
	}
}

// HandleWebSocket upgrades the request. A token query parameter, when
// present, must authenticate.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	atCapacity := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if atCapacity {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	var userID uint
	if token := r.URL.Query().Get("token"); token != "" {
		if h.auth == nil {
			http.Error(w, "authentication unavailable", http.StatusUnauthorized)
			return
		}
		id, err := h.auth(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	client := &Client{
		id:         uuid.NewString(),
		userID:     userID,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		subscribed: make(map[string]bool),
		accepted:   make(chan bool, 1),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	if !<-client.accepted {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientCommand struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				zap.L().Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			h.reply(c, "error", "invalid message")
			continue
		}

		switch cmd.Action {
		case "subscribe":
			symbols := normalizeSymbols(cmd.Symbols)
			c.mu.Lock()
			for _, s := range symbols {
				c.subscribed[s] = true
			}
			c.mu.Unlock()
			h.reply(c, "subscribed", symbols)
		case "unsubscribe":
			symbols := normalizeSymbols(cmd.Symbols)
			c.mu.Lock()
			for _, s := range symbols {
				delete(c.subscribed, s)
			}
			c.mu.Unlock()
			h.reply(c, "unsubscribed", symbols)
		case "ping":
			h.reply(c, "pong", nil)
		default:
			h.reply(c, "error", "unknown action")
		}
	}
}

// reply queues a frame for one client. Replies to a removed client or one
// with a full queue are dropped.
func (h *Hub) reply(c *Client, msgType string, data interface{}) {
	payload, err := encode(msgType, data)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// BroadcastTick sends a tick to clients subscribed to its symbol.
func (h *Hub) BroadcastTick(tick Tick) {
	h.enqueue(outbound{symbol: tick.Symbol}, "tick", tick)
}

// BroadcastPrice sends a refreshed API quote to subscribers of its symbol.
func (h *Hub) BroadcastPrice(update PriceUpdate) {
	h.enqueue(outbound{symbol: update.Symbol}, "price", update)
}

// BroadcastMessage sends a frame to every client.
func (h *Hub) BroadcastMessage(msgType string, data interface{}) {
	h.enqueue(outbound{}, msgType, data)
}

// SendToUser sends a frame to every connection of one user.
func (h *Hub) SendToUser(userID uint, msgType string, data interface{}) {
	if userID == 0 {
		return
	}
	h.enqueue(outbound{userID: userID}, msgType, data)
}

func (h *Hub) enqueue(out outbound, msgType string, data interface{}) {
	payload, err := encode(msgType, data)
	if err != nil {
		zap.L().Error("Error marshaling websocket message", zap.String("type", msgType), zap.Error(err))
		return
	}
	out.data = payload
	select {
	case h.broadcast <- out:
	default:
		h.dropped.Add(1)
	}
}

// Forward relays bus ticks and price updates to websocket clients until ctx
// is done.
func (h *Hub) Forward(ctx context.Context, bus *Bus) {
	ticks := bus.Subscribe(TopicPriceTick, 1024)
	updates := bus.Subscribe(TopicPriceUpdated, 256)
	defer bus.Unsubscribe(ticks)
	defer bus.Unsubscribe(updates)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ticks.C:
			if !ok {
				return
			}
			if tick, ok := ev.Payload.(Tick); ok {
				h.BroadcastTick(tick)
			}
		case ev, ok := <-updates.C:
			if !ok {
				return
			}
			if update, ok := ev.Payload.(PriceUpdate); ok {
				h.BroadcastPrice(update)
			}
		}
	}
}

// Status returns hub counters.
func (h *Hub) Status() HubStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := HubStatus{Clients: len(h.clients), MaxClients: h.maxClients, Dropped: h.dropped.Load()}
	for c := range h.clients {
		if c.userID != 0 {
			st.Authenticated++
		}
	}
	return st
}

func encode(msgType string, data interface{}) ([]byte, error) {
	return json.Marshal(WebSocketMessage{
		Type: msgType,
		Data: data,
		Time: time.Now().UTC().Format(time.RFC3339),
	})
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if s != allSymbols {
			s = BaseSymbol(s)
		}
		out = append(out, s)
	}
	return out
}
