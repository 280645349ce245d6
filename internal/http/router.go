// Package httpapi wires the HTTP transport (Gin) to the pipeline trigger,
// run history and operational endpoints.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID, then the request-scoped logger
//  3. RedactingLogger (masks the trigger secret in headers and query)
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. Idempotency validation (before rate limiting so replays bypass it)
//  8. Rate limiter per client IP
//  9. CORS (only when origins are configured) and security headers
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/config"
	"github.com/tbourn/review-pipeline/internal/http/handlers"
	"github.com/tbourn/review-pipeline/internal/http/middleware"
	"github.com/tbourn/review-pipeline/internal/repo"
)

// RegisterRoutes attaches middleware and endpoints to r. runner may be nil
// when cfg reports missing secrets; the trigger then answers 500.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, runner handlers.Runner, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID(), middleware.ContextLogger())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders:     []string{handlers.HeaderCronSecret},
		MaskQueryParams: []string{"secret"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200, Scope: handlers.IdempotencyScope},
		func(ctx context.Context, scope, key string, now time.Time) (bool, error) {
			_, err := repo.GetIdempotency(ctx, db, scope, key, now)
			if err != nil {
				return false, err
			}
			return true, nil
		},
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, 10*time.Minute, middleware.KeyByClientIP())
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORS.AllowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", handlers.HeaderCronSecret, middleware.HeaderIdempotencyKey},
			ExposeHeaders: []string{"X-Request-ID", "Idempotency-Replayed"},
			MaxAge:        12 * time.Hour,
		}))
	}
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(runner, db, handlers.Options{
		Secret:         cfg.Pipeline.CronSecret,
		MissingSecrets: cfg.MissingSecrets(),
		IdempotencyTTL: cfg.IdempotencyTTL,
		MaxBudget:      cfg.Pipeline.MaxBudget,
	})

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		api.POST("/cron/reviews", h.TriggerRun)
		api.GET("/cron/reviews", h.Health)

		api.GET("/runs", h.ListRuns)
		api.GET("/runs/:id", h.GetRun)
	}
}

// limitBody caps request bodies. The trigger takes no body, so anything
// large is abuse.
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
