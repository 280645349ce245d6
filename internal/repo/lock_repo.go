// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the resource lease table used by the
// lock manager.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// AcquireLock grants the lease on key to holder when no lease exists or the
// existing one is older than ttl. Takeover of a stale lease is a
// compare-and-swap on the version column, so of two racing reclaimers only
// one wins.
func AcquireLock(ctx context.Context, db *gorm.DB, key, holder string, ttl time.Duration, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.Lock{ResourceKey: key, Holder: holder, AcquiredAt: now, Version: 1})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var cur domain.Lock
	if err := db.WithContext(ctx).First(&cur, "resource_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Released between our insert and read; the next invocation gets it.
			return false, nil
		}
		return false, err
	}
	if now.Sub(cur.AcquiredAt) < ttl {
		return false, nil
	}

	res = db.WithContext(ctx).Model(&domain.Lock{}).
		Where("resource_key = ? AND version = ?", key, cur.Version).
		Updates(map[string]any{
			"holder":      holder,
			"acquired_at": now,
			"version":     cur.Version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseLock drops the lease on key if holder still owns it.
func ReleaseLock(ctx context.Context, db *gorm.DB, key, holder string) error {
	return db.WithContext(ctx).
		Where("resource_key = ? AND holder = ?", key, holder).
		Delete(&domain.Lock{}).Error
}

// ReleaseStaleLocks deletes every lease acquired before now-ttl and returns
// the number removed.
func ReleaseStaleLocks(ctx context.Context, db *gorm.DB, ttl time.Duration, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("acquired_at < ?", now.Add(-ttl)).
		Delete(&domain.Lock{})
	return res.RowsAffected, res.Error
}

// GetLock returns the current lease on key or ErrNotFound.
func GetLock(ctx context.Context, db *gorm.DB, key string) (*domain.Lock, error) {
	var l domain.Lock
	err := db.WithContext(ctx).First(&l, "resource_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}
