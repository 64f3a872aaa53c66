package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderUserID carries the caller's identity. Authentication happens
	// upstream; the gateway trusts the header.
	HeaderUserID = "X-User-ID"

	userIDKey     = "userID"
	maxUserIDSize = 64
)

// Identity stores a trimmed X-User-ID in the context. Oversized values are
// ignored so the body-supplied identity, if any, is validated instead.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" && len(uid) <= maxUserIDSize {
			c.Set(userIDKey, uid)
		}
		c.Next()
	}
}

// UserFrom returns the identity stored by Identity, or "".
func UserFrom(c *gin.Context) string {
	return c.GetString(userIDKey)
}
