package errors

import (
	"github.com/gin-gonic/gin"

	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
)

// envelope is the wire shape for every error response.
type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"traceId"`
}

// AbortWithAPIError serializes err into the standard error envelope and
// aborts the request. The trace ID is read from the request context so the
// caller never has to thread it through.
func AbortWithAPIError(c *gin.Context, err error) {
	apiErr := From(err)
	c.AbortWithStatusJSON(apiErr.Status, envelope{
		Error: body{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			TraceID: logger.TraceIDFromContext(c.Request.Context()),
		},
	})
}

// AbortWithInvalidPayload sends a 400 response and aborts the request.
func AbortWithInvalidPayload(c *gin.Context, message string) {
	AbortWithAPIError(c, InvalidPayload(message))
}

// AbortWithUnauthorized sends a 401 response and aborts the request.
func AbortWithUnauthorized(c *gin.Context, message string) {
	AbortWithAPIError(c, Unauthorized(message))
}
