// Package middleware holds the Gin middleware of the HTTP gateway: request
// correlation, caller identity, structured access logs, panic recovery,
// metrics, rate limiting, and response security headers.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	loggerKey       = "logger"
	requestIDHeader = "X-Request-ID"

	maxQueryLogLength = 512
)

// RequestID propagates X-Request-ID or generates a new one, storing it in
// the context and echoing it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the request id set by RequestID, or "".
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// Logger writes one access log line per request through base. The request
// scoped logger is stored in the context for handlers (see LoggerFrom).
//
// Image payloads are never logged; only sizes are. Identity must run before
// Logger for user_id to be present.
func Logger(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		l := base.With().
			Str("request_id", RequestIDFrom(c)).
			Str("user_id", UserFrom(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("query", truncate(c.Request.URL.RawQuery, maxQueryLogLength)).
			Int64("bytes_in", c.Request.ContentLength).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		ev.Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Msg("request")
	}
}

// Recovery converts panics into a JSON 500 carrying the request id.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := RequestIDFrom(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when
// Logger did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Str("request_id", RequestIDFrom(c)).Logger()
	return &l
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
