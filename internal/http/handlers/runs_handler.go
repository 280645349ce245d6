package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/review-pipeline/internal/domain"
	"github.com/tbourn/review-pipeline/internal/repo"
	"github.com/tbourn/review-pipeline/internal/utils"
)

// Pagination describes the page returned by ListRuns.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListRunsResponse wraps a page of run history.
type ListRunsResponse struct {
	Runs       []domain.RunRecord `json:"runs"`
	Pagination Pagination         `json:"pagination"`
}

// ListRuns handles GET {base}/runs?page=P&page_size=N (default 20, max 100).
// limit is accepted as an alias for page_size and must be positive.
func (h *Handlers) ListRuns(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	size := c.Query("page_size")
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err != nil || n < 1 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		size = s
	}
	pg := utils.ParsePage(c.Query("page"), size, 20, 100)

	runs, total, err := repo.ListRunsPage(c.Request.Context(), h.db, pg.Offset(), pg.Size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "list runs failed")
		return
	}
	if runs == nil {
		runs = []domain.RunRecord{}
	}
	ok(c, http.StatusOK, ListRunsResponse{
		Runs: runs,
		Pagination: Pagination{
			Page:       pg.Number,
			PageSize:   pg.Size,
			Total:      total,
			TotalPages: pg.TotalPages(total),
			HasNext:    pg.HasNext(total),
		},
	})
}

// GetRun handles GET {base}/runs/:id.
func (h *Handlers) GetRun(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	run, err := repo.GetRun(c.Request.Context(), h.db, c.Param("id"))
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "run not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "get run failed")
	default:
		ok(c, http.StatusOK, run)
	}
}
