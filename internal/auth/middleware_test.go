package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
	"github.com/nusatech/whatsapp-agent-gateway/internal/storage/pg"
)

type mockStore struct {
	mu        sync.Mutex
	agents    map[string]*pg.AgentRecord
	syncCalls []string
}

func (m *mockStore) GetAgent(_ context.Context, agentID string) (*pg.AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (m *mockStore) SyncAPIKey(_ context.Context, _ int64, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncCalls = append(m.syncCalls, agentID)
	return nil
}

func (m *mockStore) syncCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.syncCalls)
}

type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		TraceID string `json:"traceId"`
	} `json:"error"`
}

func setupAuthRouter(store *mockStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.New(logger.Config{Level: slog.LevelError})
	mw := NewAgentAuthMiddleware(store, log)

	router := gin.New()
	router.GET("/agents/:agentId/ping", mw.RequireAgent(), func(c *gin.Context) {
		rec, ok := GetAgentRecord(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "record missing"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"agentId": rec.AgentID})
	})
	return router
}

func newStoreWithAgent() *mockStore {
	return &mockStore{agents: map[string]*pg.AgentRecord{
		"a1": {UserID: 7, AgentID: "a1", APIKey: "secret-key", Status: pg.StatusConnected},
	}}
}

func doRequest(router *gin.Engine, headers map[string]string, url string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequireAgent_ValidBearerPasses(t *testing.T) {
	router := setupAuthRouter(newStoreWithAgent())

	w := doRequest(router, map[string]string{"Authorization": "Bearer secret-key"}, "/agents/a1/ping")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body["agentId"] != "a1" {
		t.Errorf("expected the stored record in context, got %v", body)
	}
}

func TestRequireAgent_MissingHeaderIsUnauthorized(t *testing.T) {
	router := setupAuthRouter(newStoreWithAgent())

	w := doRequest(router, nil, "/agents/a1/ping")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	var env errEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid error envelope: %v", err)
	}
	if env.Error.Code != apierrors.CodeUnauthorized {
		t.Errorf("expected UNAUTHORIZED code, got %q", env.Error.Code)
	}
}

func TestRequireAgent_NonBearerSchemeIsUnauthorized(t *testing.T) {
	router := setupAuthRouter(newStoreWithAgent())

	w := doRequest(router, map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}, "/agents/a1/ping")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for non-bearer scheme, got %d", w.Code)
	}
}

func TestRequireAgent_UnknownAgentIsNotFound(t *testing.T) {
	router := setupAuthRouter(newStoreWithAgent())

	w := doRequest(router, map[string]string{"Authorization": "Bearer secret-key"}, "/agents/ghost/ping")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	var env errEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid error envelope: %v", err)
	}
	if env.Error.Code != apierrors.CodeSessionNotFound {
		t.Errorf("expected SESSION_NOT_FOUND code, got %q", env.Error.Code)
	}
}

func TestRequireAgent_KeyMismatchTriggersBackgroundSync(t *testing.T) {
	store := newStoreWithAgent()
	router := setupAuthRouter(store)

	w := doRequest(router, map[string]string{"Authorization": "Bearer stale-key"}, "/agents/a1/ping")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on key mismatch, got %d", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.syncCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.syncCount() != 1 {
		t.Errorf("expected one background key sync, got %d", store.syncCount())
	}
}

func TestRequireAgent_WebSocketQueryTokenFallback(t *testing.T) {
	router := setupAuthRouter(newStoreWithAgent())

	headers := map[string]string{
		"Upgrade":    "websocket",
		"Connection": "Upgrade",
	}
	w := doRequest(router, headers, "/agents/a1/ping?token=secret-key")
	if w.Code != http.StatusOK {
		t.Errorf("expected query token to authenticate websocket upgrade, got %d: %s", w.Code, w.Body.String())
	}

	// Plain HTTP requests must not get the fallback.
	w = doRequest(router, nil, "/agents/a1/ping?token=secret-key")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for query token without upgrade, got %d", w.Code)
	}
}
