// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries recorded in run
// metadata for backlog diagnosis.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// QueueStats summarizes the queue of one resource (or all when empty).
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Error      int64 `json:"error"`
	Backlog    int64 `json:"backlog"`
}

// ResourceQueueStats counts jobs per status and the backlog size for
// resourceID.
func ResourceQueueStats(ctx context.Context, db *gorm.DB, resourceID string) (QueueStats, error) {
	var rows []struct {
		Status string
		N      int64
	}
	q := db.WithContext(ctx).Model(&domain.Job{}).Select("status, COUNT(*) AS n")
	if resourceID != "" {
		q = q.Where("resource_id = ?", resourceID)
	}
	if err := q.Group("status").Scan(&rows).Error; err != nil {
		return QueueStats{}, err
	}

	var s QueueStats
	for _, r := range rows {
		switch r.Status {
		case domain.JobPending:
			s.Pending = r.N
		case domain.JobProcessing:
			s.Processing = r.N
		case domain.JobError:
			s.Error = r.N
		}
	}
	if resourceID != "" {
		n, err := CountBacklog(ctx, db, resourceID)
		if err != nil {
			return s, err
		}
		s.Backlog = n
	}
	return s, nil
}
