package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
	"github.com/nusatech/whatsapp-agent-gateway/internal/session"
)

const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// subscriber wraps a websocket connection with a write lock. Lifecycle events
// fan out from supervisor goroutines while the subscribe handler sends
// keep-alive pings, and gorilla allows only one concurrent writer per conn.
type subscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *subscriber) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// Hub fans session lifecycle events out to websocket subscribers. Each agent
// has its own subscriber set and a connection watches exactly one agent.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]bool
	subAgent    map[*subscriber]string
	closed      bool
	log         *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[*subscriber]bool),
		subAgent:    make(map[*subscriber]string),
		log:         log.WithComponent("ws"),
	}
}

// HandleAgentEvents upgrades GET /sessions/:agentId/events to a websocket and
// streams the agent's status events until the client disconnects.
func (h *Hub) HandleAgentEvents(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID == "" {
		apierrors.AbortWithInvalidPayload(c, "agentId is required")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sub := &subscriber{conn: conn}
	if !h.register(agentID, sub) {
		return
	}
	defer h.unregister(sub)

	conn.SetPongHandler(func(string) error {
		h.log.Debug("pong received", slog.String("agent_id", agentID))
		return nil
	})

	// Read pump: subscribers never send payloads, so reads exist only to
	// notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			h.log.Info("event subscriber disconnected", slog.String("agent_id", agentID))
			return
		case <-ticker.C:
			if err := sub.write(websocket.PingMessage, nil); err != nil {
				h.log.Debug("keep-alive ping failed",
					slog.String("agent_id", agentID),
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Publish sends a lifecycle event to every subscriber watching the agent.
// Connections that fail the write are dropped from the registry.
func (h *Hub) Publish(agentID string, evt session.StatusEvent) {
	h.mu.RLock()
	set := h.subscribers[agentID]
	if len(set) == 0 {
		h.mu.RUnlock()
		return
	}
	subs := make([]*subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("failed to marshal status event",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()))
		return
	}

	for _, sub := range subs {
		if err := sub.write(websocket.TextMessage, payload); err != nil {
			h.log.Warn("dropping unreachable event subscriber",
				slog.String("agent_id", agentID),
				slog.String("event", evt.Type),
				slog.String("error", err.Error()))
			h.unregister(sub)
			sub.conn.Close()
		}
	}
}

// Close detaches and closes every subscriber. Publish becomes a no-op and
// later registrations are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subAgent))
	for sub := range h.subAgent {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[string]map[*subscriber]bool)
	h.subAgent = make(map[*subscriber]string)
	h.mu.Unlock()

	closing := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, sub := range subs {
		_ = sub.write(websocket.CloseMessage, closing)
		sub.conn.Close()
	}
	h.log.Info("event hub closed", slog.Int("subscribers", len(subs)))
}

func (h *Hub) register(agentID string, sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.subscribers[agentID]
	if !ok {
		set = make(map[*subscriber]bool)
		h.subscribers[agentID] = set
	}
	set[sub] = true
	h.subAgent[sub] = agentID
	h.log.Info("event subscriber registered",
		slog.String("agent_id", agentID),
		slog.Int("subscribers", len(set)))
	return true
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	agentID, ok := h.subAgent[sub]
	if !ok {
		return
	}
	delete(h.subAgent, sub)
	if set, ok := h.subscribers[agentID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subscribers, agentID)
		}
	}
}

// SubscriberCount reports how many connections watch the agent.
func (h *Hub) SubscriberCount(agentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[agentID])
}
