// Package handlers implements the HTTP gateway. Handlers are transport-thin:
// they bind input, forward it over the message bus to the background
// endpoint, and translate the reply into a JSON response.
//
// Every error is returned as an ErrorResponse:
//
//	HTTP/1.1 429 Too Many Requests
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "quota_exceeded",
//	  "message": "daily generation limit exceeded"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tryon-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by all endpoints.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts with an ErrorResponse. Server errors are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
