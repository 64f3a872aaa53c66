// Package httpapi wires the Gin engine of the HTTP gateway: middleware,
// health and metrics endpoints, and the versioned try-on API whose handlers
// forward to the background endpoint over the message bus.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-tryon-backend/internal/config"
	"github.com/tbourn/go-tryon-backend/internal/http/handlers"
	"github.com/tbourn/go-tryon-backend/internal/http/middleware"
)

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Bus handlers.Requester
	Log zerolog.Logger
	// Ready reports whether the background endpoint is accepting requests.
	Ready func() bool
}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID, then Identity so logs and limits see the caller
//  3. Logger, then Recovery
//  4. body limit, metrics, rate limiter
//  5. CORS, security headers, gzip
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID(), middleware.Identity())
	r.Use(middleware.Logger(deps.Log), middleware.Recovery())
	r.Use(limitBody(cfg.MaxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:    cfg.Security.EnableHSTS,
		HSTSMaxAge:    cfg.Security.HSTSMaxAge,
		NoStore:       true,
		NoStoreExempt: []string{"/metrics"},
		EnablePolicy:  true,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		if deps.Ready != nil && !deps.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := handlers.New(deps.Bus, cfg.SagaTimeout)
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/tryons", h.CreateTryOn)
		api.GET("/tryons", h.ListTryOns)
		api.GET("/usage", h.GetUsage)
		api.POST("/profile", h.SaveProfile)
		api.POST("/uploads", h.UploadImage)
	}
}

// corsMiddleware allows any origin when origins is empty, otherwise only the
// listed ones. Credentials are never allowed.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", middleware.HeaderUserID, "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// limitBody caps request bodies at maxBytes; larger bodies fail on read.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
