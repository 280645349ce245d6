// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements a per-client token-bucket limiter for the trigger
// endpoint. A run holds resource leases and spends model calls, so an abusive
// or misconfigured caller is cut off at the edge. Replays marked by
// IdempotencyValidator are never limited. Buckets live in a go-cache keyed by
// client and expire after they sit idle.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// KeyFunc selects the bucket for a request.
type KeyFunc func(*gin.Context) string

// KeyByClientIP buckets callers by client IP.
func KeyByClientIP() KeyFunc {
	return func(c *gin.Context) string { return "ip:" + c.ClientIP() }
}

// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	keyFn   KeyFunc
	mu      sync.Mutex
	buckets *cache.Cache
}

// NewRateLimiter allows rps requests per second with the given burst per
// key. burst <= 0 is coerced to 1. Buckets idle for idleTTL are dropped.
func NewRateLimiter(rps float64, burst int, idleTTL time.Duration, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		buckets: cache.New(idleTTL, 2*idleTTL),
	}
}

// bucket returns the limiter for key, refreshing its idle timer.
func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
	}
	rl.buckets.SetDefault(key, lim)
	return lim.(*rate.Limiter)
}

// IsRateBypass reports whether IdempotencyValidator exempted this request.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the limit, answering 429 with Retry-After when the
// bucket is empty.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || rl.bucket(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
