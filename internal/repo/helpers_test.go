package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// newRepoDB opens a file-backed SQLite database in a temp dir with the full
// schema migrated. File-backed (not shared-cache memory) so concurrent
// writers wait on busy_timeout instead of failing with table locks.
func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func strptr(s string) *string { return &s }
func intptr(i int) *int       { return &i }

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func mkReview(owner, resource, ext string, updated time.Time, comment *string) domain.Review {
	return domain.Review{
		ID:               uuid.NewString(),
		OwnerID:          owner,
		ResourceID:       resource,
		ExternalReviewID: ext,
		Rating:           intptr(4),
		Comment:          comment,
		AuthorName:       "Ana",
		SourceCreatedAt:  updated,
		SourceUpdatedAt:  updated,
		Status:           domain.ReviewStatusNew,
	}
}

func seedReview(t *testing.T, db *gorm.DB, r domain.Review) domain.Review {
	t.Helper()
	if err := UpsertReviews(context.Background(), db, []domain.Review{r}); err != nil {
		t.Fatalf("seed review: %v", err)
	}
	rows, err := ListReviewsByExternalIDs(context.Background(), db, r.OwnerID, r.ResourceID, []string{r.ExternalReviewID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("reload review: rows=%d err=%v", len(rows), err)
	}
	return rows[0]
}
