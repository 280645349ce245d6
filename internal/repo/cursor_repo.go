// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the cursor store: one checkpoint per
// logical stream, advanced monotonically.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// GetCursor returns the stored checkpoint for streamKey or ErrNotFound.
func GetCursor(ctx context.Context, db *gorm.DB, streamKey string) (*domain.Cursor, error) {
	var c domain.Cursor
	err := db.WithContext(ctx).First(&c, "stream_key = ?", streamKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AdvanceCursor moves the checkpoint forward to pos. It never moves it back:
// when pos does not sort after the stored position the call is a no-op and
// returns advanced=false together with the stored position.
func AdvanceCursor(ctx context.Context, db *gorm.DB, streamKey string, pos domain.Position) (domain.Position, bool, error) {
	cur, err := GetCursor(ctx, db, streamKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Position{}, false, err
	}
	if cur != nil && !pos.After(cur.Position()) {
		return cur.Position(), false, nil
	}

	row := domain.Cursor{
		StreamKey:      streamKey,
		LastSourceTime: pos.Time.UTC(),
		LastItemID:     pos.ID,
		UpdatedAt:      time.Now().UTC(),
	}
	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stream_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_source_time", "last_item_id", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return domain.Position{}, false, err
	}
	return pos, true, nil
}

// ResetCursor deletes the checkpoint so the stream is reprocessed from the
// beginning.
func ResetCursor(ctx context.Context, db *gorm.DB, streamKey string) error {
	return db.WithContext(ctx).Where("stream_key = ?", streamKey).Delete(&domain.Cursor{}).Error
}
