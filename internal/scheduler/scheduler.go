// Package scheduler runs the pipeline on an in-process cron schedule, for
// deployments without an external scheduler calling the trigger endpoint.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/review-pipeline/internal/services"
)

// Runner executes one pipeline invocation.
type Runner interface {
	Run(ctx context.Context, req services.RunRequest) (*services.RunSummary, error)
}

// Scheduler triggers Runner on a cron spec.
type Scheduler struct {
	cron    *cron.Cron
	entry   cron.EntryID
	runner  Runner
	req     services.RunRequest
	timeout time.Duration
}

// New schedules runner with req on spec (standard 5-field cron syntax, or
// descriptors such as "@every 5m") in timezone tz. Each tick gets its own
// context bounded by timeout. Ticks that fire while the previous one is
// still running are skipped.
func New(spec, tz string, timeout time.Duration, runner Runner, req services.RunRequest) (*Scheduler, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %s: %w", tz, err)
		}
		loc = l
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	req.Trigger = "cron"
	s := &Scheduler{cron: c, runner: runner, req: req, timeout: timeout}

	id, err := c.AddFunc(spec, s.tick)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = log.Logger.With().Str("trigger", "cron").Logger().WithContext(ctx)

	start := time.Now()
	sum, err := s.runner.Run(ctx, s.req)
	if err != nil {
		log.Error().Err(err).Msg("scheduled run failed")
		return
	}
	log.Info().
		Str("run_id", sum.RunID).
		Bool("aborted", sum.Aborted).
		Int("errors", sum.Stats.ErrorCount).
		Dur("elapsed", time.Since(start)).
		Msg("scheduled run completed")
}

// Start begins firing ticks.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule; the returned context is done once a running
// tick finishes.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// Next reports the next planned tick; zero before Start.
func (s *Scheduler) Next() time.Time { return s.cron.Entry(s.entry).Next }
