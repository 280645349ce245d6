package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestHelpers_GetIdempotencyKey_IsReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if k, ok := GetIdempotencyKey(c); k != "" || ok {
		t.Fatalf("expected empty key when not set")
	}
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false by default")
	}
	c.Set(ctxKeyIdemKey, 123)
	if _, ok := GetIdempotencyKey(c); ok {
		t.Fatalf("non-string key must read as absent")
	}
	c.Set(ctxKeyIdemReplay, "yes")
	if IsReplay(c) {
		t.Fatalf("non-bool replay flag must read as false")
	}
}

func TestIdempotencyValidator_NoHeader_NoLookup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	called := false
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{Scope: "cron"}, func(context.Context, string, string, time.Time) (bool, error) {
		called = true
		return false, nil
	}))
	r.POST("/run", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/run", nil))
	if w.Code != http.StatusNoContent || called {
		t.Fatalf("code=%d called=%v", w.Code, called)
	}
}

func TestIdempotencyValidator_RejectsBadKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name string
		opts IdempotencyOptions
		key  string
	}{
		{"too long", IdempotencyOptions{MaxLen: 5}, "abcdef"},
		{"pattern", IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, "abc"},
		{"default pattern", IdempotencyOptions{}, "has space"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(IdempotencyValidator(tc.opts, nil))
			r.POST("/run", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/run", nil)
			req.Header.Set(HeaderIdempotencyKey, tc.key)
			r.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["code"] != "bad_idempotency_key" {
				t.Fatalf("unexpected body %s (%v)", w.Body.String(), err)
			}
		})
	}
}

func TestIdempotencyValidator_LookupHitMissAndError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name       string
		hit        bool
		err        error
		wantReplay bool
	}{
		{"miss", false, nil, false},
		{"hit", true, nil, true},
		{"error is a miss", true, errors.New("db down"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(IdempotencyValidator(IdempotencyOptions{Scope: "cron"}, func(_ context.Context, scope, key string, now time.Time) (bool, error) {
				if scope != "cron" || key != "k-1" || now.IsZero() {
					t.Fatalf("unexpected lookup args %q %q %v", scope, key, now)
				}
				return tc.hit, tc.err
			}))
			r.POST("/run", func(c *gin.Context) {
				if k, _ := GetIdempotencyKey(c); k != "k-1" {
					t.Fatalf("key not stashed")
				}
				if IsReplay(c) != tc.wantReplay || IsRateBypass(c) != tc.wantReplay {
					t.Fatalf("replay=%v bypass=%v; want %v", IsReplay(c), IsRateBypass(c), tc.wantReplay)
				}
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/run", nil)
			req.Header.Set(HeaderIdempotencyKey, "k-1")
			r.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
		})
	}
}
