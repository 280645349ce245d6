// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the durable job queue.
//
// State machine:
//
//	pending ──claim──▶ processing ──complete──▶ done
//	                        │ └────fail──────▶ error ──retry──▶ pending
//	                        └──stale/requeue──▶ pending
//
// A job carries ActiveKey = review id while pending or processing, which the
// unique index turns into "at most one active job per review".
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// EnqueueJob inserts a pending analysis job for the review described by p.
// When an active (pending or processing) job already exists for the review,
// its id is returned with created=false and nothing is written.
func EnqueueJob(ctx context.Context, db *gorm.DB, p domain.JobPayload, now time.Time) (id string, created bool, err error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", false, err
	}
	key := p.ReviewID
	job := domain.Job{
		ID:         uuid.NewString(),
		Kind:       domain.JobKindAnalyze,
		ReviewID:   p.ReviewID,
		ResourceID: p.ResourceID,
		Status:     domain.JobPending,
		ActiveKey:  &key,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&job)
	if res.Error != nil {
		return "", false, res.Error
	}
	if res.RowsAffected == 1 {
		return job.ID, true, nil
	}

	var existing domain.Job
	if err := db.WithContext(ctx).Select("id").First(&existing, "active_key = ?", key).Error; err != nil {
		return "", false, err
	}
	return existing.ID, false, nil
}

// ClaimJobs atomically moves up to limit pending jobs (oldest first) to
// processing and returns them. resourceID scopes the claim; empty means any
// resource. The transition is a single conditional UPDATE tagged with a fresh
// claim token, so concurrent callers never receive the same job. On
// PostgreSQL the candidate subquery additionally uses FOR UPDATE SKIP LOCKED
// so concurrent claimers pick disjoint rows instead of blocking.
func ClaimJobs(ctx context.Context, db *gorm.DB, resourceID string, limit int, now time.Time) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	token := uuid.NewString()

	candidates := db.Model(&domain.Job{}).
		Select("id").
		Where("status = ?", domain.JobPending)
	if resourceID != "" {
		candidates = candidates.Where("resource_id = ?", resourceID)
	}
	candidates = candidates.Order("created_at ASC, id ASC").Limit(limit)
	if isPostgres(db) {
		candidates = candidates.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	res := db.WithContext(ctx).Model(&domain.Job{}).
		Where("id IN (?) AND status = ?", candidates, domain.JobPending).
		Updates(map[string]any{
			"status":      domain.JobProcessing,
			"claim_token": token,
			"started_at":  now,
			"attempts":    gorm.Expr("attempts + 1"),
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var jobs []domain.Job
	err := db.WithContext(ctx).
		Where("claim_token = ? AND status = ?", token, domain.JobProcessing).
		Order("created_at ASC, id ASC").
		Find(&jobs).Error
	return jobs, err
}

// CompleteJob transitions a processing job to done.
func CompleteJob(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return finishJob(ctx, db, id, map[string]any{
		"status":      domain.JobDone,
		"active_key":  nil,
		"finished_at": now,
		"updated_at":  now,
	})
}

// FailJob transitions a processing job to error and records the reason.
func FailJob(ctx context.Context, db *gorm.DB, id, reason string, now time.Time) error {
	return finishJob(ctx, db, id, map[string]any{
		"status":      domain.JobError,
		"active_key":  nil,
		"last_error":  reason,
		"finished_at": now,
		"updated_at":  now,
	})
}

func finishJob(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	res := db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobProcessing).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueJobs returns claimed jobs that were never started to pending,
// undoing the attempt counted by the claim.
func RequeueJobs(ctx context.Context, db *gorm.DB, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Model(&domain.Job{}).
		Where("id IN ? AND status = ?", ids, domain.JobProcessing).
		Updates(map[string]any{
			"status":      domain.JobPending,
			"claim_token": nil,
			"started_at":  nil,
			"attempts":    gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END"),
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

// ResetStaleJobs resets jobs stuck in processing since before now-staleAfter
// (their worker crashed or was cut off) back to pending.
func ResetStaleJobs(ctx context.Context, db *gorm.DB, staleAfter time.Duration, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.Job{}).
		Where("status = ? AND started_at < ?", domain.JobProcessing, now.Add(-staleAfter)).
		Updates(map[string]any{
			"status":      domain.JobPending,
			"claim_token": nil,
			"started_at":  nil,
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

// RetryErrorJobs moves up to limit error jobs (oldest first) back to pending.
// A job whose review already has another active job is left in error.
func RetryErrorJobs(ctx context.Context, db *gorm.DB, resourceID string, limit int, now time.Time) (int, error) {
	q := db.WithContext(ctx).Where("status = ?", domain.JobError)
	if resourceID != "" {
		q = q.Where("resource_id = ?", resourceID)
	}
	var failed []domain.Job
	if err := q.Order("created_at ASC, id ASC").Limit(limit).Find(&failed).Error; err != nil {
		return 0, err
	}

	moved := 0
	for _, j := range failed {
		key := j.ReviewID
		res := db.WithContext(ctx).Model(&domain.Job{}).
			Where("id = ? AND status = ?", j.ID, domain.JobError).
			Updates(map[string]any{
				"status":      domain.JobPending,
				"active_key":  key,
				"claim_token": nil,
				"started_at":  nil,
				"finished_at": nil,
				"updated_at":  now,
			})
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				continue
			}
			return moved, res.Error
		}
		moved += int(res.RowsAffected)
	}
	return moved, nil
}

// GetJob returns a job by id or ErrNotFound.
func GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.Job, error) {
	var j domain.Job
	err := db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// DecodeJobPayload unmarshals the job's JSON payload.
func DecodeJobPayload(j domain.Job) (domain.JobPayload, error) {
	var p domain.JobPayload
	if len(j.Payload) == 0 {
		return domain.JobPayload{ReviewID: j.ReviewID, ResourceID: j.ResourceID}, nil
	}
	err := json.Unmarshal(j.Payload, &p)
	return p, err
}
