// Package ws pushes detected opportunities and system alerts to dashboard
// clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acheron/engine/internal/domain"
)

// Topics clients subscribe to. Opportunity topics are per event
// ("arb:{event_id}"); a trailing * matches a prefix.
const (
	TopicSystem    = "system"
	topicArbPrefix = "arb:"
)

var defaultTopics = []string{"arb:*", TopicSystem}

const queueSize = 256

// Frame types.
const (
	frameStatus     = "status"
	frameArbitrage  = "arbitrage"
	frameSystem     = "system"
	frameSubscribed = "subscribed"
)

// envelope is every server-to-client frame.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type frame struct {
	topic string
	data  []byte
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode           string
	StartedAt      time.Time
	AllowedOrigins []string
	// Recent, when set, is replayed to each client right after the status
	// frame, oldest first.
	Recent func() []domain.ArbitrageOpportunity
}

// Hub fans opportunities out to connected clients. It is an arbitrage sink;
// frames for slow clients are dropped rather than stall the engine.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	queue    chan frame
	dropped  atomic.Int64

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		logger:  logger.With(slog.String("component", "ws_hub")),
		queue:   make(chan frame, queueSize),
		clients: make(map[*client]struct{}),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Name implements arbitrage.Sink.
func (h *Hub) Name() string { return "ws_hub" }

// HandleOpportunity implements arbitrage.Sink. It never blocks.
func (h *Hub) HandleOpportunity(_ context.Context, opp domain.ArbitrageOpportunity, event *domain.EventInfo) error {
	h.publish(topicArbPrefix+opp.EventID, arbitrageFrame(opp, event))
	return nil
}

// BroadcastSystem pushes a system alert to subscribed clients.
func (h *Hub) BroadcastSystem(title, message string, priority int) {
	h.publish(TopicSystem, envelope{
		Type: frameSystem,
		Payload: map[string]any{
			"title":    title,
			"message":  message,
			"priority": priority,
		},
	})
}

func arbitrageFrame(opp domain.ArbitrageOpportunity, event *domain.EventInfo) envelope {
	return envelope{
		Type:    frameArbitrage,
		Payload: map[string]any{"opportunity": opp, "event": event},
	}
}

func (h *Hub) publish(topic string, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal frame failed", slog.String("type", env.Type), slog.String("error", err.Error()))
		return
	}
	select {
	case h.queue <- frame{topic: topic, data: data}:
	default:
		h.dropped.Add(1)
	}
}

// Run delivers queued frames until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case f := <-h.queue:
			h.fanout(f)
		}
	}
}

func (h *Hub) fanout(f frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(f.topic) {
			continue
		}
		select {
		case c.send <- f.data:
		default:
			h.dropped.Add(1)
		}
	}
}

// sendTo queues data for c if it is still connected.
func (h *Hub) sendTo(c *client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("client disconnected", slog.Int("clients", n))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// HandleWS upgrades the request and serves the client until it disconnects.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn)
	h.greet(c)
	if !h.add(c) {
		conn.Close()
		return
	}
	h.logger.Info("client connected", slog.Int("clients", h.ClientCount()))

	go c.writeLoop()
	c.readLoop()
}

// greet queues the status frame and the replay before c is visible to
// fanout, so they always arrive first.
func (h *Hub) greet(c *client) {
	uptime := max(int64(time.Since(h.cfg.StartedAt).Seconds()), 0)
	c.queue(envelope{
		Type:    frameStatus,
		Payload: map[string]any{"mode": h.cfg.Mode, "uptime_seconds": uptime},
	})
	if h.cfg.Recent == nil {
		return
	}
	recent := h.cfg.Recent()
	for i := len(recent) - 1; i >= 0; i-- {
		if c.subscribed(topicArbPrefix + recent[i].EventID) {
			c.queue(arbitrageFrame(recent[i], nil))
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped is the number of frames discarded because a queue was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
