// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, which attaches hardening headers to
// every response of the try-on API. Responses carry user photos and generated
// images, so they are kept out of shared caches unless a route is exempted
// (the Prometheus scrape endpoint is the usual one).
//
// Design notes:
//   - No CSP here: the API serves JSON and data URLs, never HTML
//   - HSTS is opt-in and only applied when the request is actually HTTPS
//   - No-store exemptions match by path prefix
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultHSTSMaxAge is used when HSTS is enabled without a positive max age.
const DefaultHSTSMaxAge = 180 * 24 * time.Hour

// SecurityOptions configures SecurityHeaders.
//
// EnableHSTS emits Strict-Transport-Security on HTTPS requests only. Enable
// it when traffic is HTTPS end-to-end, proxy hop included.
//
// NoStore adds Cache-Control: no-store with the legacy Pragma and Expires
// companions, except on paths starting with one of NoStoreExempt.
type SecurityOptions struct {
	EnableHSTS    bool
	HSTSMaxAge    time.Duration // defaults to DefaultHSTSMaxAge
	NoStore       bool
	NoStoreExempt []string // path prefixes, e.g. "/metrics"
	EnablePolicy  bool     // Permissions-Policy and X-Permitted-Cross-Domain-Policies
}

// SecurityHeaders returns a middleware that sets:
//
//   - always: X-Content-Type-Options nosniff, X-Frame-Options DENY,
//     Referrer-Policy no-referrer
//   - EnablePolicy: Permissions-Policy denying geolocation, microphone,
//     camera and payment, and X-Permitted-Cross-Domain-Policies none
//   - NoStore: Cache-Control no-store, Pragma no-cache, Expires 0
//   - EnableHSTS over HTTPS: max-age=<seconds>; includeSubDomains; preload
//
// When X-Request-ID is already on the response it is appended to
// Access-Control-Expose-Headers so browser extensions can read it.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := opt.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = DefaultHSTSMaxAge
	}
	hsts := "max-age=" + strconv.FormatInt(int64(maxAge/time.Second), 10) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		if opt.NoStore && !exempt(c.Request.URL.Path, opt.NoStoreExempt) {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if h.Get(requestIDHeader) != "" {
			const expose = "Access-Control-Expose-Headers"
			switch cur := h.Get(expose); {
			case cur == "":
				h.Set(expose, requestIDHeader)
			case !strings.Contains(strings.ToLower(cur), strings.ToLower(requestIDHeader)):
				h.Set(expose, cur+", "+requestIDHeader)
			}
		}

		c.Next()
	}
}

func exempt(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// isHTTPS reports whether the request arrived over TLS, directly or through
// a proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
