package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestKeyByClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")
	if got := KeyByClientIP()(c); got != "ip:203.0.113.9" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNewRateLimiter_BurstCoercion_AndBucketReuse(t *testing.T) {
	rl := NewRateLimiter(2, 0, 0, KeyByClientIP())
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed, got %d", rl.burst)
	}
	lim := rl.bucket("k1")
	if rl.bucket("k1") != lim {
		t.Fatalf("expected the same bucket for the same key")
	}
	if rl.bucket("k2") == lim {
		t.Fatalf("expected distinct buckets per key")
	}
}

func TestRateLimiter_IdleBucketsExpire(t *testing.T) {
	rl := NewRateLimiter(1, 1, 20*time.Millisecond, KeyByClientIP())
	first := rl.bucket("k")
	if !first.Allow() || first.Allow() {
		t.Fatalf("expected exactly one token")
	}
	time.Sleep(40 * time.Millisecond)
	if !rl.bucket("k").Allow() {
		t.Fatalf("expected a fresh bucket after idle expiry")
	}
}

func TestRateLimiter_Handler_429AndBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.001, 1, time.Minute, func(*gin.Context) string { return "same" })

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Replay") == "1" {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	})
	r.Use(rl.Handler())
	r.POST("/run", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(replay bool) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/run", nil)
		if replay {
			req.Header.Set("X-Replay", "1")
		}
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(false); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w := do(false)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected 429 with Retry-After, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["code"] != "too_many_requests" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
	if w := do(true); w.Code != http.StatusOK {
		t.Fatalf("replay should bypass the limiter, got %d", w.Code)
	}
}
