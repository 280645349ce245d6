// Package services – LockManager
//
// This file implements time-limited per-resource leases stored in the locks
// table. A lease older than its TTL may be taken over by any holder, and
// SweepStale clears expired leases at the start of each run. Store errors
// during Acquire are treated as "not acquired": the resource is skipped for
// this run rather than risk two runs working on it at once.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/repo"
)

// LockManager hands out time-limited leases on resources. It fails closed:
// any store error during acquisition is logged and reported as not acquired.
type LockManager struct {
	DB *gorm.DB
	// TTL after which a lease is considered abandoned.
	TTL time.Duration
	// Holder identifies this invocation in the lock row.
	Holder string
	Now    func() time.Time
}

// NewLockManager returns a LockManager for holder.
func NewLockManager(db *gorm.DB, ttl time.Duration, holder string) *LockManager {
	return &LockManager{DB: db, TTL: ttl, Holder: holder, Now: time.Now}
}

// ForHolder returns a copy of m acting on behalf of holder.
func (m *LockManager) ForHolder(holder string) *LockManager {
	cp := *m
	cp.Holder = holder
	return &cp
}

func (m *LockManager) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

// Acquire tries to take the lease on key.
func (m *LockManager) Acquire(ctx context.Context, key string) bool {
	ctx, span := otel.Tracer("services/LockManager").Start(ctx, "Acquire",
		trace.WithAttributes(attribute.String("lock.key", key)),
	)
	defer span.End()

	ok, err := repo.AcquireLock(ctx, m.DB, key, m.Holder, m.TTL, m.now())
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("lock", key).Msg("lock acquire failed; skipping")
		return false
	}
	span.SetAttributes(attribute.Bool("lock.acquired", ok))
	return ok
}

// Release drops the lease on key if this holder still owns it. Errors are
// logged; the lease then expires after TTL.
func (m *LockManager) Release(ctx context.Context, key string) {
	if err := repo.ReleaseLock(ctx, m.DB, key, m.Holder); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("lock", key).Msg("lock release failed")
	}
}

// SweepStale removes leases older than TTL regardless of holder.
func (m *LockManager) SweepStale(ctx context.Context) int64 {
	n, err := repo.ReleaseStaleLocks(ctx, m.DB, m.TTL, m.now())
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("stale lock sweep failed")
		return 0
	}
	if n > 0 {
		zerolog.Ctx(ctx).Info().Int64("released", n).Msg("released stale locks")
	}
	return n
}
