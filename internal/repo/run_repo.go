// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file persists run history.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// InsertRun appends a run record.
func InsertRun(ctx context.Context, db *gorm.DB, rec *domain.RunRecord) error {
	return db.WithContext(ctx).Create(rec).Error
}

// GetRun returns a run record by id or ErrNotFound.
func GetRun(ctx context.Context, db *gorm.DB, id string) (*domain.RunRecord, error) {
	var r domain.RunRecord
	err := db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRunsPage returns one page of runs, newest first, plus the total count.
func ListRunsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.RunRecord, int64, error) {
	var total int64
	if err := db.WithContext(ctx).Model(&domain.RunRecord{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.RunRecord
	err := db.WithContext(ctx).
		Order("started_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, total, err
}
