// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file persists reply drafts and brand-voice identities.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// GetDraft returns the draft of a review or ErrNotFound.
func GetDraft(ctx context.Context, db *gorm.DB, reviewID string) (*domain.ReplyDraft, error) {
	var d domain.ReplyDraft
	err := db.WithContext(ctx).First(&d, "review_id = ?", reviewID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertDraft writes d unless the stored draft is edited or sent. The guard
// lives in the conflict clause itself, so a human edit that lands between
// our read and this write still wins. written reports whether a row changed.
func UpsertDraft(ctx context.Context, db *gorm.DB, d domain.ReplyDraft, now time.Time) (written bool, err error) {
	d.Status = domain.DraftStatusDraft
	d.UpdatedAt = now
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "review_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"text", "mode", "status", "identity_hash", "model", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{
				SQL:  "reply_drafts.status NOT IN (?, ?)",
				Vars: []any{domain.DraftStatusEdited, domain.DraftStatusSent},
			},
		}},
	}).Create(&d)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetDraftStatus records a human transition (edited, sent).
func SetDraftStatus(ctx context.Context, db *gorm.DB, reviewID, status string) error {
	res := db.WithContext(ctx).Model(&domain.ReplyDraft{}).
		Where("review_id = ?", reviewID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetIdentity returns the voice identity configured for (ownerID,
// resourceID). An empty resourceID selects the owner default.
func GetIdentity(ctx context.Context, db *gorm.DB, ownerID, resourceID string) (*domain.VoiceIdentity, error) {
	var v domain.VoiceIdentity
	err := db.WithContext(ctx).
		First(&v, "owner_id = ? AND resource_id = ?", ownerID, resourceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// UpsertIdentity inserts or replaces the identity for its (owner, resource)
// scope.
func UpsertIdentity(ctx context.Context, db *gorm.DB, v domain.VoiceIdentity) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "resource_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tone", "formality", "use_emojis", "forbidden_words", "context", "signature", "updated_at",
		}),
	}).Create(&v).Error
}
