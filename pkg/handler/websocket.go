package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// Feed event types pushed to dashboard clients.
const (
	FeedIncidentNew      = "incident.new"
	FeedIncidentUpdate   = "incident.update"
	FeedIncidentResolved = "incident.resolved"
	FeedPing             = "ping"
	FeedPong             = "pong"
)

// FeedEvent is one frame on the live incident feed. Severity and State are
// lifted out of the payload so clients can filter without parsing it.
type FeedEvent struct {
	Type          string          `json:"type"`
	Severity      string          `json:"severity,omitempty"`
	State         string          `json:"state,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// feedFilter is a client's view preference, settable over the socket
type feedFilter struct {
	MinSeverity string   `json:"min_severity,omitempty"`
	States      []string `json:"states,omitempty"`
}

func (f feedFilter) admits(ev FeedEvent) bool {
	if ev.Type == FeedPing {
		return true
	}
	if f.MinSeverity != "" && ev.Severity != "" {
		if messages.SeverityTier(ev.Severity).Rank() < messages.SeverityTier(f.MinSeverity).Rank() {
			return false
		}
	}
	if len(f.States) > 0 && ev.State != "" {
		found := false
		for _, s := range f.States {
			if strings.EqualFold(s, ev.State) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// feedClient is one connected dashboard
type feedClient struct {
	id   string
	conn *websocket.Conn
	send chan FeedEvent

	mu     sync.RWMutex
	filter feedFilter
}

func (c *feedClient) setFilter(f feedFilter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

func (c *feedClient) wants(ev FeedEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.admits(ev)
}

// WebSocketHub fans incident lifecycle events out to dashboard sockets. It
// listens on the lifecycle subjects and drops frames for slow clients rather
// than applying backpressure to the bus.
type WebSocketHub struct {
	mu      sync.RWMutex
	clients map[string]*feedClient

	events     chan FeedEvent
	register   chan *feedClient
	unregister chan *feedClient

	nc     *nats.Conn
	sub    *nats.Subscription
	logger zerolog.Logger
}

// NewWebSocketHub creates a hub. nc may be nil; the feed then only carries
// pings.
func NewWebSocketHub(nc *nats.Conn, logger zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[string]*feedClient),
		events:     make(chan FeedEvent, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		nc:         nc,
		logger:     logger.With().Str("component", "feed_hub").Logger(),
	}
}

// Run owns the client set until ctx is cancelled
func (h *WebSocketHub) Run(ctx context.Context) {
	if h.nc != nil {
		h.listen()
	}

	for {
		select {
		case <-ctx.Done():
			h.close()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("client_id", c.id).Int("clients", n).Msg("Feed client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("client_id", c.id).Int("clients", n).Msg("Feed client disconnected")

		case ev := <-h.events:
			h.mu.RLock()
			for _, c := range h.clients {
				if !c.wants(ev) {
					continue
				}
				select {
				case c.send <- ev:
				default:
					h.logger.Warn().Str("client_id", c.id).Msg("Slow feed client, frame dropped")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// listen bridges the incident lifecycle subjects onto the feed
func (h *WebSocketHub) listen() {
	sub, err := h.nc.Subscribe(messages.SubjectIncidentAll, func(msg *nats.Msg) {
		var ev messages.IncidentEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			h.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Undecodable lifecycle event")
			return
		}

		frame := FeedEvent{
			Type:          feedTypeFor(ev),
			Severity:      string(ev.Severity),
			State:         string(ev.To),
			Payload:       msg.Data,
			Timestamp:     time.Now().UTC(),
			CorrelationID: ev.Envelope.CorrelationID,
		}

		select {
		case h.events <- frame:
		default:
			h.logger.Warn().Str("subject", msg.Subject).Msg("Feed buffer full, frame dropped")
		}
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to subscribe to lifecycle subjects")
		return
	}
	h.sub = sub
}

// feedTypeFor collapses lifecycle transitions into the three feed types the
// dashboard distinguishes
func feedTypeFor(ev messages.IncidentEvent) string {
	switch ev.To {
	case messages.StateReceived:
		return FeedIncidentNew
	case messages.StateResolved, messages.StateCancelled, messages.StateDispatchDeadLetter:
		return FeedIncidentResolved
	default:
		return FeedIncidentUpdate
	}
}

func (h *WebSocketHub) close() {
	if h.sub != nil {
		h.sub.Unsubscribe()
	}
	h.mu.Lock()
	for _, c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[string]*feedClient)
	h.mu.Unlock()
	h.logger.Info().Msg("Feed hub closed")
}

// Publish puts an event on the feed directly, bypassing the bus
func (h *WebSocketHub) Publish(ev FeedEvent) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn().Str("type", ev.Type).Msg("Feed buffer full")
	}
}

// ClientCount returns the number of connected feed clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WebSocketHandler upgrades dashboard connections onto the feed
type WebSocketHandler struct {
	hub    *WebSocketHub
	logger zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *WebSocketHub, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		logger: logger.With().Str("handler", "websocket").Logger(),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &feedClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan FeedEvent, 64),
	}
	h.hub.register <- c

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.writeLoop(ctx, h.hub)
	c.readLoop(ctx, h.hub)
}

// writeLoop drains the send buffer onto the socket and keeps the connection
// alive with periodic pings
func (c *feedClient) writeLoop(ctx context.Context, hub *WebSocketHub) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	write := func(ev FeedEvent) error {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return wsjson.Write(wctx, c.conn, ev)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "hub closed")
				return
			}
			if err := write(ev); err != nil {
				hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Feed write failed")
				return
			}

		case <-ticker.C:
			if err := write(FeedEvent{Type: FeedPing, Timestamp: time.Now().UTC()}); err != nil {
				hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Ping failed")
				return
			}
		}
	}
}

// readLoop consumes control frames: pongs and filter updates
func (c *feedClient) readLoop(ctx context.Context, hub *WebSocketHub) {
	defer func() {
		hub.unregister <- c
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var frame struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Feed read error")
			}
			return
		}

		switch frame.Type {
		case FeedPong:

		case "filter":
			var f feedFilter
			if err := json.Unmarshal(frame.Payload, &f); err != nil {
				hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Bad filter frame")
				continue
			}
			c.setFilter(f)
			hub.logger.Debug().
				Str("client_id", c.id).
				Str("min_severity", f.MinSeverity).
				Msg("Feed filter updated")

		default:
			hub.logger.Debug().Str("client_id", c.id).Str("type", frame.Type).Msg("Unknown feed frame")
		}
	}
}
