// Trigger HTTP handlers.
//
// POST {base}/cron/reviews runs the pipeline and answers with the run summary.
// GET on the same path authenticates and reports queue depth without running
// anything, so schedulers can check the endpoint and its secret.
//
// The shared secret is accepted from X-Cron-Secret, Authorization: Bearer, or
// the secret query parameter, in that order. A missing secret is 401, a wrong
// one 403. Item-level pipeline failures never change the status code; they
// are listed in stats.errors.
package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/review-pipeline/internal/http/middleware"
	"github.com/tbourn/review-pipeline/internal/repo"
	"github.com/tbourn/review-pipeline/internal/services"
	"github.com/tbourn/review-pipeline/internal/sysutil"
)

// HeaderCronSecret carries the trigger secret.
const HeaderCronSecret = "X-Cron-Secret"

// IdempotencyScope namespaces trigger replay records.
const IdempotencyScope = "cron"

// HealthResponse is the body of an authenticated GET.
type HealthResponse struct {
	OK    bool            `json:"ok"`
	Queue repo.QueueStats `json:"queue"`
}

func presentedSecret(c *gin.Context) string {
	if s := c.GetHeader(HeaderCronSecret); s != "" {
		return s
	}
	if auth := c.GetHeader("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return c.Query("secret")
}

// authorize checks configuration and the secret, writing the failure
// response itself. It reports whether the request may proceed.
func (h *Handlers) authorize(c *gin.Context) bool {
	if len(h.opts.MissingSecrets) > 0 {
		fail(c, http.StatusInternalServerError, ErrCodeConfig,
			"missing required configuration: "+strings.Join(h.opts.MissingSecrets, ", "))
		return false
	}
	got := presentedSecret(c)
	if got == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "trigger secret required")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.Secret)) != 1 {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "invalid trigger secret")
		return false
	}
	return true
}

// parseRunRequest reads resource, mode, limit, budget and force.
func (h *Handlers) parseRunRequest(c *gin.Context) (services.RunRequest, error) {
	req := services.RunRequest{
		Resource:  strings.TrimSpace(c.Query("resource")),
		Trigger:   "http",
		RequestID: middleware.RequestIDFrom(c),
	}
	mode, err := services.ParseMode(c.Query("mode"))
	if err != nil {
		return req, errors.New("mode must be one of backlog, recent, queue, retry_errors")
	}
	req.Mode = mode

	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return req, errors.New("limit must be a positive integer")
		}
		req.Limit = n
	}
	if s := c.Query("budget"); s != "" {
		d, err := parseBudget(s)
		if err != nil {
			return req, err
		}
		if h.opts.MaxBudget > 0 && d > h.opts.MaxBudget {
			d = h.opts.MaxBudget
		}
		req.Budget = d
	}
	req.Force = sysutil.IsTruthy(c.Query("force"))
	return req, nil
}

// parseBudget accepts a Go duration ("30s") or plain seconds ("30").
func parseBudget(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 {
			return 0, errors.New("budget must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.New("budget must be a positive duration such as 30s")
	}
	return d, nil
}

// runGrace is added to the run budget to bound a detached run.
const runGrace = 15 * time.Second

func (h *Handlers) runTimeout(requested time.Duration) time.Duration {
	budget := h.opts.MaxBudget
	if requested > 0 && (budget <= 0 || requested < budget) {
		budget = requested
	}
	if budget <= 0 {
		budget = 50 * time.Second
	}
	return budget + runGrace
}

// TriggerRun handles POST {base}/cron/reviews.
func (h *Handlers) TriggerRun(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	req, err := h.parseRunRequest(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()
	lg := middleware.LoggerFrom(c)

	key, _ := middleware.GetIdempotencyKey(c)
	if key != "" && middleware.IsReplay(c) && h.db != nil {
		rec, err := repo.GetIdempotency(ctx, h.db, IdempotencyScope, key, time.Now().UTC())
		if err == nil {
			c.Header("Idempotency-Replayed", "true")
			c.Data(rec.Status, "application/json; charset=utf-8", rec.Response)
			return
		}
	}

	// A scheduler that hangs up must not cut the run short: it keeps its
	// leases and claims until the budget ends it.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.runTimeout(req.Budget))
	defer cancel()
	sum, err := h.runner.Run(runCtx, req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidMode) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeRunFailed, err.Error())
		return
	}

	if key != "" && h.db != nil {
		body, err := json.Marshal(sum)
		if err == nil {
			_, err = repo.CreateIdempotency(ctx, h.db, IdempotencyScope, key, sum.RunID, http.StatusOK, body, h.opts.IdempotencyTTL)
		}
		if err != nil && !errors.Is(err, repo.ErrDuplicate) {
			lg.Warn().Err(err).Msg("store idempotency record")
		}
		if _, err := repo.PurgeExpiredIdempotency(ctx, h.db, time.Now().UTC()); err != nil {
			lg.Warn().Err(err).Msg("purge idempotency records")
		}
	}
	ok(c, http.StatusOK, sum)
}

// Health handles GET {base}/cron/reviews.
func (h *Handlers) Health(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	resp := HealthResponse{OK: true}
	if h.db != nil {
		stats, err := repo.ResourceQueueStats(c.Request.Context(), h.db, "")
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "queue stats unavailable")
			return
		}
		resp.Queue = stats
	}
	ok(c, http.StatusOK, resp)
}
