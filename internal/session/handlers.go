package session

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
	"github.com/nusatech/whatsapp-agent-gateway/internal/media"
	"github.com/nusatech/whatsapp-agent-gateway/internal/waclient"
)

// Handler exposes the session lifecycle and outbound send endpoints.
type Handler struct {
	supervisor *Supervisor
	media      *media.Service
	logger     *logger.Logger
}

func NewHandler(supervisor *Supervisor, mediaService *media.Service, log *logger.Logger) *Handler {
	return &Handler{
		supervisor: supervisor,
		media:      mediaService,
		logger:     log.WithComponent("session-handler"),
	}
}

type createSessionRequest struct {
	UserID    int64  `json:"userId"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	APIKey    string `json:"apikey"`
}

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithInvalidPayload(c, "invalid JSON body")
		return
	}
	if req.UserID <= 0 || req.AgentID == "" || req.AgentName == "" {
		apierrors.AbortWithInvalidPayload(c, "userId, agentId and agentName are required")
		return
	}

	view, err := h.supervisor.CreateOrResume(c.Request.Context(), CreateParams{
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		AgentName: req.AgentName,
		APIKey:    req.APIKey,
	})
	if err != nil {
		apierrors.AbortWithAPIError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":    view,
		"traceId": logger.TraceIDFromContext(c.Request.Context()),
	})
}

// GetSession handles GET /sessions/:agentId.
func (h *Handler) GetSession(c *gin.Context) {
	view, err := h.supervisor.GetStatus(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		apierrors.AbortWithAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// DeleteSession handles DELETE /sessions/:agentId.
func (h *Handler) DeleteSession(c *gin.Context) {
	result, err := h.supervisor.Delete(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		apierrors.AbortWithAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ReconnectSession handles POST /sessions/:agentId/reconnect.
func (h *Handler) ReconnectSession(c *gin.Context) {
	view, err := h.supervisor.Reconnect(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		apierrors.AbortWithAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GenerateQR handles POST /sessions/:agentId/qr. The call parks for up to
// a minute waiting for the engine to emit a code.
func (h *Handler) GenerateQR(c *gin.Context) {
	view, err := h.supervisor.GenerateQR(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		apierrors.AbortWithAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type sendMessageRequest struct {
	To              string `json:"to"`
	Message         string `json:"message"`
	QuotedMessageID string `json:"quotedMessageId"`
}

// SendMessage handles POST /agents/:agentId/messages.
func (h *Handler) SendMessage(c *gin.Context) {
	agentID := c.Param("agentId")

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithInvalidPayload(c, "invalid JSON body")
		return
	}
	if req.To == "" || req.Message == "" {
		apierrors.AbortWithInvalidPayload(c, "to and message are required")
		return
	}

	if err := h.supervisor.SendText(c.Request.Context(), agentID, req.To, req.Message, req.QuotedMessageID); err != nil {
		apierrors.AbortWithAPIError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"delivered": true})
}

type sendMediaRequest struct {
	To string `json:"to"`
	media.PrepareRequest
}

// SendMedia handles POST /agents/:agentId/media.
func (h *Handler) SendMedia(c *gin.Context) {
	agentID := c.Param("agentId")

	var req sendMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithInvalidPayload(c, "invalid JSON body")
		return
	}
	if req.To == "" {
		apierrors.AbortWithInvalidPayload(c, "to is required")
		return
	}

	prepared, err := h.media.Prepare(c.Request.Context(), req.PrepareRequest)
	if err != nil {
		apierrors.AbortWithAPIError(c, err)
		return
	}

	payload := waclient.MediaPayload{
		Data:     prepared.Bytes,
		MimeType: prepared.MimeType,
		Filename: prepared.Filename,
		Caption:  req.Caption,
	}
	if err := h.supervisor.SendMedia(c.Request.Context(), agentID, req.To, payload); err != nil {
		apierrors.AbortWithAPIError(c, err)
		return
	}

	resp := gin.H{"delivered": true}
	if prepared.PreviewPath != "" {
		resp["previewPath"] = prepared.PreviewPath
	}
	c.JSON(http.StatusOK, resp)
}
