// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides review and resource persistence,
// including the idempotent batch upsert used by the sync worker.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// reviewSourceColumns are refreshed from the source on every upsert. Status
// and the primary key belong to the pipeline and are never overwritten.
var reviewSourceColumns = []string{
	"rating", "comment", "author_name", "source_created_at", "source_updated_at",
	"reply_text", "reply_updated_at", "updated_at",
}

// UpsertReviews merges rows keyed on (owner_id, resource_id,
// external_review_id). Applying the same batch twice leaves exactly one row
// per key.
func UpsertReviews(ctx context.Context, db *gorm.DB, rows []domain.Review) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "owner_id"}, {Name: "resource_id"}, {Name: "external_review_id"},
		},
		DoUpdates: clause.AssignmentColumns(reviewSourceColumns),
	}).Create(&rows).Error
}

// ListReviewsByExternalIDs returns the stored rows for the given external ids
// of one resource.
func ListReviewsByExternalIDs(ctx context.Context, db *gorm.DB, ownerID, resourceID string, externalIDs []string) ([]domain.Review, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var out []domain.Review
	err := db.WithContext(ctx).
		Where("owner_id = ? AND resource_id = ? AND external_review_id IN ?", ownerID, resourceID, externalIDs).
		Find(&out).Error
	return out, err
}

// GetReview returns a review by id or ErrNotFound.
func GetReview(ctx context.Context, db *gorm.DB, id string) (*domain.Review, error) {
	var r domain.Review
	err := db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetReviewStatus updates the pipeline status of a review.
func SetReviewStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	return db.WithContext(ctx).Model(&domain.Review{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// UpsertResource inserts or refreshes a resource keyed on its external name
// and returns the stored row.
func UpsertResource(ctx context.Context, db *gorm.DB, r domain.Resource) (*domain.Resource, error) {
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "display_name", "active", "updated_at"}),
	}).Create(&r).Error
	if err != nil {
		return nil, err
	}
	return GetResourceByName(ctx, db, r.ExternalName)
}

// GetResourceByName looks a resource up by its external name.
func GetResourceByName(ctx context.Context, db *gorm.DB, name string) (*domain.Resource, error) {
	var r domain.Resource
	err := db.WithContext(ctx).First(&r, "external_name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListActiveResources returns active resources ordered by external name.
func ListActiveResources(ctx context.Context, db *gorm.DB) ([]domain.Resource, error) {
	var out []domain.Resource
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("external_name ASC").
		Find(&out).Error
	return out, err
}
