package aiproxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nusatech/whatsapp-agent-gateway/internal/auth"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
)

type sentReply struct {
	agentID, to, message string
}

type fakeSender struct {
	mu      sync.Mutex
	failErr error
	replies []sentReply
}

func (f *fakeSender) SendText(_ context.Context, agentID, to, message, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.replies = append(f.replies, sentReply{agentID, to, message})
	return nil
}

func (f *fakeSender) sent() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentReply, len(f.replies))
	copy(out, f.replies)
	return out
}

func setupRunRouter(runner *Runner, sender ReplySender, authenticated bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.New(logger.Config{Level: slog.LevelError})
	handler := NewHandler(runner, sender, log)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if authenticated {
			c.Set(auth.AgentRecordKey, testRecord(c.Param("agentId")))
		}
		c.Next()
	})
	router.POST("/agents/:agentId/run", handler.Run)
	return router
}

func postRun(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/agents/a1/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRunHandler_PushesReplyIntoSessionChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reply":"hello from ai"}`))
	}))
	defer srv.Close()

	sender := &fakeSender{}
	router := setupRunRouter(testRunner(srv.URL), sender, true)

	w := postRun(router, `{"message": "hi", "sessionId": "628999@c.us"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Reply     *string `json:"reply"`
		ReplySent bool    `json:"replySent"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reply == nil || *resp.Reply != "hello from ai" {
		t.Errorf("unexpected reply: %v", resp.Reply)
	}
	if !resp.ReplySent {
		t.Error("expected replySent true")
	}

	sent := sender.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one pushed reply, got %d", len(sent))
	}
	if sent[0].agentID != "a1" || sent[0].to != "628999@c.us" || sent[0].message != "hello from ai" {
		t.Errorf("unexpected pushed reply: %+v", sent[0])
	}
}

func TestRunHandler_NoSessionSkipsPush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reply":"hello"}`))
	}))
	defer srv.Close()

	sender := &fakeSender{}
	router := setupRunRouter(testRunner(srv.URL), sender, true)

	w := postRun(router, `{"input": "hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(sender.sent()) != 0 {
		t.Errorf("expected no push without a session chat, got %d", len(sender.sent()))
	}
}

func TestRunHandler_PushFailureDowngradesReplySent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reply":"hello"}`))
	}))
	defer srv.Close()

	sender := &fakeSender{failErr: errors.New("session gone")}
	router := setupRunRouter(testRunner(srv.URL), sender, true)

	w := postRun(router, `{"input": "hi", "session_id": "628999@c.us"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("push failure must not fail the request, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		ReplySent bool `json:"replySent"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ReplySent {
		t.Error("expected replySent false after a failed push")
	}
}

func TestRunHandler_RequiresInput(t *testing.T) {
	sender := &fakeSender{}
	router := setupRunRouter(testRunner("http://unused.invalid"), sender, true)

	w := postRun(router, `{"session_id": "628999@c.us", "input": "   "}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for blank input, got %d", w.Code)
	}
}

func TestRunHandler_RequiresAuthenticatedAgent(t *testing.T) {
	sender := &fakeSender{}
	router := setupRunRouter(testRunner("http://unused.invalid"), sender, false)

	w := postRun(router, `{"input": "hi"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without an agent record, got %d", w.Code)
	}
}
