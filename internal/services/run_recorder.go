// Package services – RunRecorder
//
// Appends run history rows in the background. The insert runs on a context
// detached from the request, failures are logged, and Wait lets shutdown and
// tests drain outstanding writes.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/domain"
	"github.com/tbourn/review-pipeline/internal/repo"
)

// RunRecorder appends run history rows in the background. The trigger
// response never waits on it; failures are logged.
type RunRecorder struct {
	DB *gorm.DB
	// Timeout bounds one insert.
	Timeout time.Duration

	wg sync.WaitGroup
}

// NewRunRecorder returns a recorder writing to db.
func NewRunRecorder(db *gorm.DB) *RunRecorder {
	return &RunRecorder{DB: db, Timeout: 5 * time.Second}
}

// Record schedules rec for insertion and returns immediately.
func (r *RunRecorder) Record(ctx context.Context, rec domain.RunRecord) {
	logger := zerolog.Ctx(ctx).With().Str("run_id", rec.ID).Logger()
	// Detached so the insert survives the request finishing.
	base := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		if err := repo.InsertRun(ctx, r.DB, &rec); err != nil {
			logger.Error().Err(err).Msg("record run history")
		}
	}()
}

// Wait blocks until all scheduled records are written or have failed.
func (r *RunRecorder) Wait() { r.wg.Wait() }
