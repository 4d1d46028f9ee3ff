package auth

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
	"github.com/nusatech/whatsapp-agent-gateway/internal/storage/pg"
)

// AgentRecordKey is the gin context key the middleware stores the
// authenticated agent's record under.
const AgentRecordKey = "agent_record"

// AgentStore is the slice of the query layer the middleware needs.
type AgentStore interface {
	GetAgent(ctx context.Context, agentID string) (*pg.AgentRecord, error)
	SyncAPIKey(ctx context.Context, userID int64, agentID string) error
}

type AgentAuthMiddleware struct {
	store AgentStore
	log   *logger.Logger
}

func NewAgentAuthMiddleware(store AgentStore, log *logger.Logger) *AgentAuthMiddleware {
	return &AgentAuthMiddleware{
		store: store,
		log:   log.WithComponent("auth"),
	}
}

// RequireAgent validates the bearer token of the :agentId route parameter
// against the stored api_key. On mismatch a background key sync is kicked
// off so a freshly rotated key works on the next attempt.
func (m *AgentAuthMiddleware) RequireAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.Param("agentId")
		if agentID == "" {
			apierrors.AbortWithInvalidPayload(c, "agentId is required")
			return
		}

		authHeader := c.GetHeader("Authorization")

		// Fallback for WebSocket connections: accept token from query parameter
		// Browser WebSocket API doesn't support custom headers during upgrade
		if authHeader == "" && c.Request.Header.Get("Upgrade") == "websocket" {
			token := c.Query("token")
			if token != "" {
				authHeader = "Bearer " + token
			}
		}

		if authHeader == "" {
			apierrors.AbortWithUnauthorized(c, "Authorization header is required")
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			apierrors.AbortWithUnauthorized(c, "Authorization header must be a Bearer token")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			apierrors.AbortWithUnauthorized(c, "Bearer token is empty")
			return
		}

		rec, err := m.store.GetAgent(c.Request.Context(), agentID)
		if err != nil {
			m.log.Error("agent lookup failed", "agent_id", agentID, "error", err)
			apierrors.AbortWithAPIError(c, apierrors.BadGateway("agent lookup failed", err))
			return
		}
		if rec == nil {
			apierrors.AbortWithAPIError(c, apierrors.SessionNotFound(agentID))
			return
		}

		if rec.APIKey == "" || rec.APIKey != token {
			// The caller may hold a newer key than the row. Refresh in the
			// background and make them retry.
			go m.syncKey(rec.UserID, agentID)
			apierrors.AbortWithUnauthorized(c, "API key does not match")
			return
		}

		ctx := logger.WithAgentID(c.Request.Context(), agentID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(AgentRecordKey, rec)

		c.Next()
	}
}

func (m *AgentAuthMiddleware) syncKey(userID int64, agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.SyncAPIKey(ctx, userID, agentID); err != nil {
		m.log.Warn("background api key sync failed", "agent_id", agentID, "error", err)
	}
}

// GetAgentRecord returns the record stored by RequireAgent.
func GetAgentRecord(c *gin.Context) (*pg.AgentRecord, bool) {
	v, ok := c.Get(AgentRecordKey)
	if !ok {
		return nil, false
	}
	rec, ok := v.(*pg.AgentRecord)
	return rec, ok
}
