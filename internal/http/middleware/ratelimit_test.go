package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestKeyByUserOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	if key := KeyByUserOrIP()(c); key != "ip:203.0.113.9" {
		t.Fatalf("expected ip key, got %q", key)
	}

	c.Set(userIDKey, "u123")
	if key := KeyByUserOrIP()(c); key != "user:u123" {
		t.Fatalf("expected user key, got %q", key)
	}
}

func TestNewRateLimiter_BurstCoercionAndReuse(t *testing.T) {
	rl := NewRateLimiter(2.0, 0, KeyByUserOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed, got %d", rl.burst)
	}
	lim := rl.limiter("k1")
	if lim == nil || rl.limiter("k1") != lim {
		t.Fatalf("expected the same limiter to be reused for a key")
	}
}

func TestRateLimiter_SweepsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(1.0, 1, KeyByUserOrIP())
	rl.ttl = time.Nanosecond
	rl.sweepEvery = 1
	rl.visitors["old"] = &visitor{limiter: rate.NewLimiter(1, 1), lastSeen: time.Now().Add(-time.Hour)}

	_ = rl.limiter("new")

	if _, ok := rl.visitors["old"]; ok {
		t.Fatalf("expected idle visitor to be evicted")
	}
	if _, ok := rl.visitors["new"]; !ok {
		t.Fatalf("expected new visitor to be created")
	}
}

func TestRateLimiter_Handler_PerIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1.0, 1, KeyByUserOrIP())

	r := gin.New()
	r.Use(RequestID(), Identity(), rl.Handler())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	do := func(user string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set(HeaderUserID, user)
		req.Header.Set(requestIDHeader, "rid-1")
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("alice"); w.Code != http.StatusOK {
		t.Fatalf("first request should be allowed, got %d", w.Code)
	}
	w := do("alice")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After=1, got %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "rate_limited" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected body: %v", body)
	}

	if w := do("bob"); w.Code != http.StatusOK {
		t.Fatalf("another identity has its own bucket, got %d", w.Code)
	}
}
