// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file persists analysis results: the per-review
// insight, the global tag vocabulary, and review↔tag links.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// TagLink is one normalized topic to attach to a review.
type TagLink struct {
	Normalized string
	Label      string
	Category   string
	Polarity   string
	Confidence float64
	Evidence   string
}

// SaveInsight upserts the insight of a review and replaces its tag links
// with links. Links to tags no longer surfaced are removed; surviving links
// are updated in place, so reprocessing never duplicates them. Call it
// inside a transaction to make the replacement atomic.
func SaveInsight(ctx context.Context, db *gorm.DB, in domain.Insight, links []TagLink, now time.Time) error {
	in.UpdatedAt = now
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "review_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"sentiment", "score", "summary", "topics", "model", "analyzed_at", "updated_at"}),
	}).Create(&in).Error
	if err != nil {
		return err
	}

	tagIDs := make([]string, 0, len(links))
	for _, l := range links {
		tagID, err := ensureTag(ctx, db, l, now)
		if err != nil {
			return err
		}
		tagIDs = append(tagIDs, tagID)

		link := domain.ReviewTag{
			ReviewID:   in.ReviewID,
			TagID:      tagID,
			Polarity:   l.Polarity,
			Confidence: l.Confidence,
			Evidence:   l.Evidence,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		err = db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "review_id"}, {Name: "tag_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"polarity", "confidence", "evidence", "updated_at"}),
		}).Create(&link).Error
		if err != nil {
			return err
		}
	}

	stale := db.WithContext(ctx).Where("review_id = ?", in.ReviewID)
	if len(tagIDs) > 0 {
		stale = stale.Where("tag_id NOT IN ?", tagIDs)
	}
	return stale.Delete(&domain.ReviewTag{}).Error
}

// ensureTag returns the id of the tag with l.Normalized, creating it on first
// sight. The first label and category seen are kept.
func ensureTag(ctx context.Context, db *gorm.DB, l TagLink, now time.Time) (string, error) {
	tag := domain.Tag{
		ID:         uuid.NewString(),
		Normalized: l.Normalized,
		Label:      l.Label,
		Category:   l.Category,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&tag)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 1 {
		return tag.ID, nil
	}
	var existing domain.Tag
	if err := db.WithContext(ctx).Select("id").First(&existing, "normalized = ?", l.Normalized).Error; err != nil {
		return "", err
	}
	return existing.ID, nil
}

// GetInsight returns the insight of a review or ErrNotFound.
func GetInsight(ctx context.Context, db *gorm.DB, reviewID string) (*domain.Insight, error) {
	var in domain.Insight
	err := db.WithContext(ctx).First(&in, "review_id = ?", reviewID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ListReviewTags returns the links of a review joined with their tags.
func ListReviewTags(ctx context.Context, db *gorm.DB, reviewID string) ([]TagLink, error) {
	var rows []TagLink
	err := db.WithContext(ctx).
		Table("review_tags rt").
		Select("t.normalized, t.label, t.category, rt.polarity, rt.confidence, rt.evidence").
		Joins("JOIN tags t ON t.id = rt.tag_id").
		Where("rt.review_id = ?", reviewID).
		Order("t.normalized ASC").
		Scan(&rows).Error
	return rows, err
}
