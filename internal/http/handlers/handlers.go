package handlers

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/services"
)

// Runner executes one pipeline invocation.
type Runner interface {
	Run(ctx context.Context, req services.RunRequest) (*services.RunSummary, error)
}

// Options configures Handlers.
type Options struct {
	// Secret is the shared trigger secret.
	Secret string
	// MissingSecrets names required settings that are unset. While it is
	// non-empty every authenticated call answers 500.
	MissingSecrets []string
	// IdempotencyTTL is how long a stored trigger response can be replayed.
	IdempotencyTTL time.Duration
	// MaxBudget caps the budget a caller may request.
	MaxBudget time.Duration
}

// Handlers groups the HTTP handlers and their dependencies. runner may be
// nil only when MissingSecrets is non-empty.
type Handlers struct {
	runner Runner
	db     *gorm.DB
	opts   Options
}

// New wires the handlers. db backs idempotency records, queue stats and run
// history.
func New(runner Runner, db *gorm.DB, opts Options) *Handlers {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	return &Handlers{runner: runner, db: db, opts: opts}
}
