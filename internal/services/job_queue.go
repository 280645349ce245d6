// Package services – JobQueue
//
// This file wraps the jobs table as a queue with an explicit state machine:
// pending → processing → done | error, processing → pending when a worker
// goes stale or a run stops early, and error → pending on retry_errors.
// Claims are atomic, so concurrent runs never receive the same job, and
// enqueueing is idempotent per review while a live job exists.
//
// Backlog discovery enqueues reviews that have text but no insight, oldest
// first, for data that never went through sync.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/domain"
	"github.com/tbourn/review-pipeline/internal/repo"
)

// JobQueue is the durable analysis queue. See repo/job_repo.go for the
// state machine.
type JobQueue struct {
	DB *gorm.DB
	// StaleAfter is how long a job may stay in processing before
	// maintenance returns it to pending.
	StaleAfter time.Duration
	Now        func() time.Time
}

// NewJobQueue returns a queue over db.
func NewJobQueue(db *gorm.DB, staleAfter time.Duration) *JobQueue {
	return &JobQueue{DB: db, StaleAfter: staleAfter, Now: time.Now}
}

func (q *JobQueue) now() time.Time {
	if q.Now == nil {
		return time.Now().UTC()
	}
	return q.Now().UTC()
}

// Enqueue adds an analysis job for review unless one is already active.
func (q *JobQueue) Enqueue(ctx context.Context, review domain.Review) (id string, created bool, err error) {
	return repo.EnqueueJob(ctx, q.DB, domain.JobPayload{
		ReviewID:   review.ID,
		OwnerID:    review.OwnerID,
		ResourceID: review.ResourceID,
	}, q.now())
}

// Claim moves up to limit pending jobs of resourceID to processing.
func (q *JobQueue) Claim(ctx context.Context, resourceID string, limit int) ([]domain.Job, error) {
	ctx, span := otel.Tracer("services/JobQueue").Start(ctx, "Claim",
		trace.WithAttributes(
			attribute.String("resource.id", resourceID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	jobs, err := repo.ClaimJobs(ctx, q.DB, resourceID, limit, q.now())
	span.SetAttributes(attribute.Int("claimed", len(jobs)))
	return jobs, err
}

// Complete marks a processing job done.
func (q *JobQueue) Complete(ctx context.Context, id string) error {
	return repo.CompleteJob(ctx, q.DB, id, q.now())
}

// Fail marks a processing job as errored with reason.
func (q *JobQueue) Fail(ctx context.Context, id, reason string) error {
	return repo.FailJob(ctx, q.DB, id, reason, q.now())
}

// Requeue returns claimed jobs that were not started to pending.
func (q *JobQueue) Requeue(ctx context.Context, ids []string) (int64, error) {
	return repo.RequeueJobs(ctx, q.DB, ids, q.now())
}

// ResetStale returns jobs stuck in processing to pending. Errors are logged.
func (q *JobQueue) ResetStale(ctx context.Context) int64 {
	n, err := repo.ResetStaleJobs(ctx, q.DB, q.StaleAfter, q.now())
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("stale job reset failed")
		return 0
	}
	if n > 0 {
		zerolog.Ctx(ctx).Info().Int64("reset", n).Msg("reset stale jobs")
	}
	return n
}

// RetryErrors moves up to limit error jobs of resourceID back to pending.
func (q *JobQueue) RetryErrors(ctx context.Context, resourceID string, limit int) (int, error) {
	return repo.RetryErrorJobs(ctx, q.DB, resourceID, limit, q.now())
}

// DiscoverBacklog enqueues up to limit reviews of resourceID that have text
// but no insight and no active job. It returns the number of jobs created.
func (q *JobQueue) DiscoverBacklog(ctx context.Context, resourceID string, limit int) (int, error) {
	ctx, span := otel.Tracer("services/JobQueue").Start(ctx, "DiscoverBacklog",
		trace.WithAttributes(attribute.String("resource.id", resourceID)),
	)
	defer span.End()

	if limit <= 0 {
		return 0, nil
	}
	rows, err := repo.ListBacklog(ctx, q.DB, resourceID, limit)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, r := range rows {
		_, ok, err := q.Enqueue(ctx, r)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	span.SetAttributes(attribute.Int("enqueued", created))
	return created, nil
}
