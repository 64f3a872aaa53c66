package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc derives the rate limiting bucket for a request.
type KeyFunc func(*gin.Context) string

// KeyByUserOrIP buckets by identity when Identity found one, else by client IP.
func KeyByUserOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if uid := UserFrom(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket limiter. Idle buckets are evicted
// lazily every sweepEvery lookups.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  int

	ttl        time.Duration
	sweepEvery int
}

// NewRateLimiter returns a limiter allowing rps requests per second per key
// with the given burst. A burst below 1 is raised to 1.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:        rate.Limit(rps),
		burst:      burst,
		keyFn:      keyFn,
		visitors:   make(map[string]*visitor),
		ttl:        10 * time.Minute,
		sweepEvery: 5000,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= rl.sweepEvery {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Handler rejects requests over the limit with 429 and Retry-After.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limiter(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": RequestIDFrom(c),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
