package aiproxy

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nusatech/whatsapp-agent-gateway/internal/auth"
	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
)

// ReplySender delivers an AI reply back into a WhatsApp chat. Implemented
// by the session supervisor.
type ReplySender interface {
	SendText(ctx context.Context, agentID, to, message, quotedID string) error
}

type Handler struct {
	runner *Runner
	sender ReplySender
	logger *logger.Logger
}

func NewHandler(runner *Runner, sender ReplySender, logger *logger.Logger) *Handler {
	return &Handler{
		runner: runner,
		sender: sender,
		logger: logger,
	}
}

type runRequest struct {
	Input          string         `json:"input"`
	Message        string         `json:"message"`
	SessionID      string         `json:"session_id"`
	SessionIDAlias string         `json:"sessionId"`
	Parameters     map[string]any `json:"parameters"`
}

// Run relays a caller-initiated conversation turn to the AI backend. When
// the request names a session chat, the reply is also pushed into that chat;
// a failed push downgrades replySent but never fails the request.
func (h *Handler) Run(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("aiproxy-handler")

	rec, ok := auth.GetAgentRecord(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "agent not authenticated")
		return
	}

	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithInvalidPayload(c, "invalid request body")
		return
	}

	input := strings.TrimSpace(req.Input)
	if input == "" {
		input = strings.TrimSpace(req.Message)
	}
	if input == "" {
		apierrors.AbortWithInvalidPayload(c, "input is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.SessionIDAlias
	}

	traceID := logger.TraceIDFromContext(c.Request.Context())
	payload := RunPayload{
		Input:      input,
		Parameters: req.Parameters,
		SessionID:  sessionID,
	}

	result, err := h.runner.ExecuteRun(c.Request.Context(), rec, payload, traceID)
	if err != nil {
		apierrors.AbortWithAPIError(c, err)
		return
	}

	replySent := false
	if result.Reply != nil && sessionID != "" {
		if err := h.sender.SendText(c.Request.Context(), rec.AgentID, sessionID, *result.Reply, ""); err != nil {
			log.Warn("reply delivery failed", "agent_id", rec.AgentID, "error", err)
		} else {
			replySent = true
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"reply":     result.Reply,
		"replySent": replySent,
	})
}
