// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver, used in development and tests) and PostgreSQL
// (lib/pq driver behind the GORM postgres dialector), plus schema migrations.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// Open dispatches on driver ("sqlite" or "postgres").
func Open(driver, sqlitePath, dsn string) (*gorm.DB, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		return OpenSQLite(sqlitePath)
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(withConnPragmas(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	tunePool(db)
	return db, nil
}

// withConnPragmas adds per-connection PRAGMAs to the DSN. A plain Exec only
// reaches one pooled connection, so busy_timeout must travel with the DSN
// for concurrent writers to wait instead of failing with SQLITE_BUSY.
func withConnPragmas(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// OpenPostgres connects through lib/pq ("postgres" database/sql driver).
func OpenPostgres(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set for the postgres driver")
	}
	db, err := gorm.Open(postgres.New(postgres.Config{
		DriverName: "postgres",
		DSN:        dsn,
	}), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	tunePool(db)
	return db, nil
}

// EnableTracing registers the OpenTelemetry GORM plugin so every query
// becomes a child span of the calling service span.
func EnableTracing(db *gorm.DB) error {
	return db.Use(tracing.NewPlugin())
}

func tunePool(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
}

// AutoMigrate creates or updates every pipeline table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Resource{},
		&domain.Review{},
		&domain.Insight{},
		&domain.Tag{},
		&domain.ReviewTag{},
		&domain.ReplyDraft{},
		&domain.VoiceIdentity{},
		&domain.Job{},
		&domain.Cursor{},
		&domain.Lock{},
		&domain.RunRecord{},
		&domain.Idempotency{},
	)
}

func isPostgres(db *gorm.DB) bool {
	return db.Dialector != nil && db.Dialector.Name() == "postgres"
}
