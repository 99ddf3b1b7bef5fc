package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/ebusd-bridge/internal/bridges/ebusd"
	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/config"
	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/logging"
)

// Message types of the WebSocket protocol.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Channels a client may subscribe to.
const (
	// ChannelValues carries decoded values of every circuit;
	// CircuitChannel narrows it to one.
	ChannelValues = "values"

	// ChannelHealth carries periodic circuit health snapshots.
	ChannelHealth = "health"
)

const (
	wsSendBufferSize = 256

	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
)

// WSMessage is one frame of the protocol, in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// inboundMessage defers payload decoding until the type is known.
type inboundMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// HealthEvent is the payload published on ChannelHealth.
type HealthEvent struct {
	Circuit string    `json:"circuit"`
	Status  string    `json:"status"`
	Code    int       `json:"code"`
	At      time.Time `json:"at"`
}

// CircuitChannel returns the value channel for one circuit.
func CircuitChannel(circuit string) string {
	return ChannelValues + "." + circuit
}

// validChannel accepts "values", "health" and "values.<circuit>".
func validChannel(ch string) bool {
	if ch == ChannelValues || ch == ChannelHealth {
		return true
	}
	circuit, ok := strings.CutPrefix(ch, ChannelValues+".")
	return ok && circuit != "" && !strings.ContainsAny(circuit, ". ")
}

type wsLimits struct {
	maxMessageSize int64
	pingInterval   time.Duration
	pongWait       time.Duration
}

func limitsFrom(cfg config.WebSocketConfig) wsLimits {
	l := wsLimits{
		maxMessageSize: int64(cfg.MaxMessageSize),
		pingInterval:   time.Duration(cfg.PingInterval) * time.Second,
		pongWait:       time.Duration(cfg.PongTimeout) * time.Second,
	}
	if l.maxMessageSize <= 0 {
		l.maxMessageSize = defaultWSMaxMessageSize
	}
	if l.pingInterval <= 0 {
		l.pingInterval = defaultWSPingInterval
	}
	if l.pongWait <= 0 {
		l.pongWait = defaultWSPongTimeout
	}
	return l
}

// readDeadline is how long a silent client is kept.
func (l wsLimits) readDeadline() time.Time {
	return time.Now().Add(l.pingInterval + l.pongWait)
}

// Hub fans decoded values and health snapshots out to WebSocket clients.
// It implements the bridge's value sink.
type Hub struct {
	limits  wsLimits
	logger  *logging.Logger
	dropped atomic.Uint64

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connected dashboard.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn

	mu            sync.Mutex
	send          chan []byte
	closed        bool
	subscriptions map[string]struct{}
}

func newWSClient(hub *Hub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
}

// NewHub creates a hub with the limits in cfg; zero values take defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		limits:  limitsFrom(cfg),
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send queue. Repeated calls
// are harmless.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded for slow clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// WriteValues publishes a decoded message to subscribers of "values" and
// of the circuit's own channel. A client subscribed to both gets it once.
func (h *Hub) WriteValues(circuit string, d ebusd.MessageDecode, at time.Time) {
	channel := CircuitChannel(circuit)
	h.publish(channel, []string{ChannelValues, channel}, ebusd.StateMessage{
		Circuit:   circuit,
		Message:   d.Message,
		Timestamp: at.UTC(),
		Values:    d.Present(),
	})
}

// WriteHealth publishes one circuit's health on ChannelHealth.
func (h *Hub) WriteHealth(circuit, status string, code int, at time.Time) {
	h.publish(ChannelHealth, []string{ChannelHealth}, HealthEvent{
		Circuit: circuit,
		Status:  status,
		Code:    code,
		At:      at.UTC(),
	})
}

// Broadcast publishes payload to subscribers of channel.
func (h *Hub) Broadcast(channel string, payload any) {
	h.publish(channel, []string{channel}, payload)
}

func (h *Hub) publish(eventType string, channels []string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("websocket event not encodable", "event_type", eventType, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribedToAny(channels) && !c.enqueue(data) {
			h.dropped.Add(1)
		}
	}
}

// upgrader enforces the same origin policy as the CORS middleware.
func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}
}

// handleWebSocket upgrades the connection. With authentication enabled a
// single-use ticket from POST /auth/ws-ticket is required.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.authEnabled() {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, r, "ticket query parameter is required")
			return
		}
		if !s.tickets.consume(ticket, time.Now()) {
			writeUnauthorized(w, r, "invalid or expired ticket")
			return
		}
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn)
	s.hub.Register(c)
	go c.writePump()
	go c.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	limits := c.hub.limits
	c.conn.SetReadLimit(limits.maxMessageSize)
	c.conn.SetReadDeadline(limits.readDeadline()) //nolint:errcheck // read error surfaces below
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(limits.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(limits.readDeadline()) //nolint:errcheck // read error surfaces above
		c.handle(data)
	}
}

func (c *WSClient) writePump() {
	limits := c.hub.limits
	ticker := time.NewTicker(limits.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(limits.pongWait)) //nolint:errcheck // write error follows
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.changeSubscriptions(msg)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, errorPayload("unknown message type: "+msg.Type))
	}
}

func (c *WSClient) changeSubscriptions(msg inboundMessage) {
	var sub WSSubscribePayload
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &sub) != nil || len(sub.Channels) == 0 {
		c.reply(msg.ID, WSTypeError, errorPayload(msg.Type+" needs a non-empty channels list"))
		return
	}
	for _, ch := range sub.Channels {
		if !validChannel(ch) {
			c.reply(msg.ID, WSTypeError, errorPayload("unknown channel: "+ch))
			return
		}
	}

	subscribe := msg.Type == WSTypeSubscribe
	c.mu.Lock()
	for _, ch := range sub.Channels {
		if subscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if subscribe {
		key = "subscribed"
		c.hub.logger.Debug("websocket client subscribed", "channels", sub.Channels)
	}
	c.reply(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue queues data without blocking. It reports false when the client
// is closed or its buffer is full.
func (c *WSClient) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close stops the write pump. Safe to call more than once.
func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) subscribedToAny(channels []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if _, ok := c.subscriptions[ch]; ok {
			return true
		}
	}
	return false
}
