package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
	"github.com/nusatech/whatsapp-agent-gateway/internal/session"
)

func setupEventsRouter(hub *Hub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/sessions/:agentId/events", hub.HandleAgentEvents)
	return router
}

func dialEvents(t *testing.T, server *httptest.Server, agentID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/sessions/" + agentID + "/events"
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected status 101, got %d", resp.StatusCode)
	}
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestHub() *Hub {
	return NewHub(logger.New(logger.Config{Level: slog.LevelError}))
}

func TestHandleAgentEvents_UpgradeRegistersSubscriber(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	server := httptest.NewServer(setupEventsRouter(hub))
	defer server.Close()

	conn := dialEvents(t, server, "agent-1")
	defer conn.Close()

	waitFor(t, 2*time.Second, func() bool { return hub.SubscriberCount("agent-1") == 1 })
}

func TestPublish_DeliversEventToSubscriber(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	server := httptest.NewServer(setupEventsRouter(hub))
	defer server.Close()

	conn := dialEvents(t, server, "agent-1")
	defer conn.Close()

	waitFor(t, 2*time.Second, func() bool { return hub.SubscriberCount("agent-1") == 1 })

	sent := session.StatusEvent{
		AgentID:   "agent-1",
		Type:      "ready",
		Status:    "connected",
		Timestamp: time.Now().UTC(),
	}
	hub.Publish("agent-1", sent)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read event: %v", err)
	}

	var got session.StatusEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if got.AgentID != "agent-1" {
		t.Errorf("expected agentId 'agent-1', got %q", got.AgentID)
	}
	if got.Type != "ready" {
		t.Errorf("expected type 'ready', got %q", got.Type)
	}
	if got.Status != "connected" {
		t.Errorf("expected status 'connected', got %q", got.Status)
	}
}

func TestPublish_OnlyReachesMatchingAgent(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	server := httptest.NewServer(setupEventsRouter(hub))
	defer server.Close()

	conn1 := dialEvents(t, server, "agent-1")
	defer conn1.Close()
	conn2 := dialEvents(t, server, "agent-2")
	defer conn2.Close()

	waitFor(t, 2*time.Second, func() bool {
		return hub.SubscriberCount("agent-1") == 1 && hub.SubscriberCount("agent-2") == 1
	})

	hub.Publish("agent-1", session.StatusEvent{AgentID: "agent-1", Type: "qr"})

	conn1.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn1.ReadMessage(); err != nil {
		t.Fatalf("subscriber of agent-1 should receive the event: %v", err)
	}

	conn2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn2.ReadMessage(); err == nil {
		t.Fatal("subscriber of agent-2 should not receive agent-1 events")
	}
}

func TestPublish_FansOutToAllSubscribers(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	server := httptest.NewServer(setupEventsRouter(hub))
	defer server.Close()

	conn1 := dialEvents(t, server, "agent-1")
	defer conn1.Close()
	conn2 := dialEvents(t, server, "agent-1")
	defer conn2.Close()

	waitFor(t, 2*time.Second, func() bool { return hub.SubscriberCount("agent-1") == 2 })

	hub.Publish("agent-1", session.StatusEvent{AgentID: "agent-1", Type: "disconnected", Reason: "stream error"})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("subscriber %d did not receive the event: %v", i+1, err)
		}
		var got session.StatusEvent
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("subscriber %d received invalid JSON: %v", i+1, err)
		}
		if got.Type != "disconnected" || got.Reason != "stream error" {
			t.Errorf("subscriber %d got unexpected event %+v", i+1, got)
		}
	}
}

func TestClientDisconnect_RemovesSubscriber(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	server := httptest.NewServer(setupEventsRouter(hub))
	defer server.Close()

	conn := dialEvents(t, server, "agent-1")
	waitFor(t, 2*time.Second, func() bool { return hub.SubscriberCount("agent-1") == 1 })

	conn.Close()
	waitFor(t, 2*time.Second, func() bool { return hub.SubscriberCount("agent-1") == 0 })

	// Publishing into an empty registry must not panic.
	hub.Publish("agent-1", session.StatusEvent{AgentID: "agent-1", Type: "ready"})
}

func TestClose_DisconnectsAndRefusesNewSubscribers(t *testing.T) {
	hub := newTestHub()

	server := httptest.NewServer(setupEventsRouter(hub))
	defer server.Close()

	conn := dialEvents(t, server, "agent-1")
	defer conn.Close()
	waitFor(t, 2*time.Second, func() bool { return hub.SubscriberCount("agent-1") == 1 })

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}

	// A dial after Close still upgrades but is dropped before registration.
	late := dialEvents(t, server, "agent-1")
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := late.ReadMessage(); err == nil {
		t.Fatal("expected the late connection to be closed")
	}
	if hub.SubscriberCount("agent-1") != 0 {
		t.Errorf("expected no subscribers after close, got %d", hub.SubscriberCount("agent-1"))
	}
}
