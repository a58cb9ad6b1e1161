package common

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Context keys set by the auth middleware for the signed-in account.
const (
	AccountIDKey = "account_id"
	AccountKey   = "account"
)

// ReadOnlyMiddleware rejects every mutating request while the site is in
// read-only mode. Safe methods pass through.
func ReadOnlyMiddleware(readOnly func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		if readOnly() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "The site is in read-only mode. Please try again later.",
			})
			return
		}

		c.Next()
	}
}

// Bounds on the per-key buckets. A key idle for longer than
// rateLimiterTTL starts over with a full bucket.
const (
	rateLimiterSize = 10000
	rateLimiterTTL  = time.Hour
)

// RateLimiter hands out one token bucket per key. Buckets live in an
// expiring LRU so the set of keys stays bounded.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	every    rate.Limit
	burst    int
}

func NewRateLimiter(every rate.Limit, burst int) *RateLimiter {
	return newRateLimiter(every, burst, rateLimiterSize, rateLimiterTTL)
}

func newRateLimiter(every rate.Limit, burst, size int, ttl time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](size, nil, ttl),
		every:    every,
		burst:    burst,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	l, ok := r.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(r.every, r.burst)
		r.limiters.Add(key, l)
	}
	r.mu.Unlock()
	return l.Allow()
}

// Keys reports how many buckets are held.
func (r *RateLimiter) Keys() int {
	return r.limiters.Len()
}

// Middleware limits by the signed-in account, falling back to client IP.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if id := c.GetInt(AccountIDKey); id != 0 {
			key = "account:" + strconv.Itoa(id)
		}

		if !r.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many submissions. Slow down and try again shortly.",
			})
			return
		}
		c.Next()
	}
}
