// Package services – Pipeline
//
// This file implements one trigger invocation end to end. Run resolves the
// requested resources, performs maintenance (stale leases and jobs), then for
// each resource takes its lease and runs the stages of the selected mode:
// sync, queue drain, and backlog discovery. Item-level failures are collected
// into the summary and never abort the run. Running out of budget or losing
// the context stops the run cleanly with aborted set.
//
// The run record and run.finished event are written on a detached context so
// they survive a caller that has gone away.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/domain"
	"github.com/tbourn/review-pipeline/internal/observability"
	"github.com/tbourn/review-pipeline/internal/repo"
)

// Run modes.
const (
	ModeBacklog     = "backlog"
	ModeRecent      = "recent"
	ModeQueue       = "queue"
	ModeRetryErrors = "retry_errors"
)

// Skip reasons.
const (
	SkipNoResources   = "no_resources"
	SkipAllLocked     = "all_resources_locked"
	SkipBudgetAtStart = "budget_exhausted"
)

// ParseMode validates s, defaulting to backlog.
func ParseMode(s string) (string, error) {
	switch m := strings.ToLower(strings.TrimSpace(s)); m {
	case "":
		return ModeBacklog, nil
	case ModeBacklog, ModeRecent, ModeQueue, ModeRetryErrors:
		return m, nil
	default:
		return "", ErrInvalidMode
	}
}

// RunRequest selects what one invocation does.
type RunRequest struct {
	// Resource is an external resource name; empty runs all active ones.
	Resource string
	Mode     string
	// Limit caps reviews synced and jobs attempted; zero uses the default.
	Limit int
	// Budget is the wall-clock allowance; zero or above the maximum uses
	// the maximum.
	Budget    time.Duration
	Force     bool
	Trigger   string
	RequestID string
}

// RunStats are the counters reported to the caller.
type RunStats struct {
	ResourcesScanned int         `json:"resourcesScanned"`
	ReviewsSynced    int         `json:"reviewsSynced"`
	ReviewsProcessed int         `json:"reviewsProcessed"`
	TagsUpserted     int         `json:"tagsUpserted"`
	DraftsGenerated  int         `json:"draftsGenerated"`
	JobsRequeued     int         `json:"jobsRequeued"`
	ErrorCount       int         `json:"errorCount"`
	Errors           []ItemError `json:"errors"`
}

func (s *RunStats) addError(e ItemError) {
	s.Errors = append(s.Errors, e)
	s.ErrorCount = len(s.Errors)
}

// RunSummary is the structured result of an invocation.
type RunSummary struct {
	OK         bool     `json:"ok"`
	RunID      string   `json:"runId"`
	RequestID  string   `json:"requestId,omitempty"`
	Mode       string   `json:"mode"`
	Aborted    bool     `json:"aborted"`
	SkipReason *string  `json:"skipReason"`
	Stats      RunStats `json:"stats"`
}

// Pipeline runs the whole ingestion flow for a trigger.
type Pipeline struct {
	DB       *gorm.DB
	Locks    *LockManager
	Queue    *JobQueue
	Sync     *SyncService
	Analysis *AnalysisService
	Recorder *RunRecorder
	// Events is optional.
	Events EventPublisher

	DefaultLimit   int
	MaxBudget      time.Duration
	StrictIdentity bool
	Now            func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// Run executes one invocation. Item-level failures are reported in the
// summary; the only error returned is ErrInvalidMode.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = p.DefaultLimit
	}
	if limit <= 0 {
		limit = 50
	}
	budgetDur := p.MaxBudget
	if req.Budget > 0 && (budgetDur <= 0 || req.Budget < budgetDur) {
		budgetDur = req.Budget
	}
	if budgetDur <= 0 {
		budgetDur = 50 * time.Second
	}

	runID := uuid.NewString()
	started := p.now()
	budget := NewRunBudget(budgetDur, p.Now)
	scope := req.Resource
	if scope == "" {
		scope = "all"
	}

	logger := zerolog.Ctx(ctx).With().Str("run_id", runID).Str("mode", mode).Str("scope", scope).Logger()
	ctx = logger.WithContext(ctx)
	ctx, span := otel.Tracer("services/Pipeline").Start(ctx, "Run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.mode", mode),
			attribute.String("run.scope", scope),
			attribute.Int("run.limit", limit),
		),
	)
	defer span.End()

	sum := &RunSummary{OK: true, RunID: runID, RequestID: req.RequestID, Mode: mode, Stats: RunStats{Errors: []ItemError{}}}
	meta := runMeta{Limit: limit, Budget: budgetDur.String(), Force: req.Force}

	sweptLocks := p.Locks.SweepStale(ctx)
	resetJobs := p.Queue.ResetStale(ctx)
	meta.StaleLocks, meta.StaleJobs = sweptLocks, resetJobs

	resources, err := p.resolveResources(ctx, req.Resource)
	if err != nil {
		sum.Stats.addError(ItemError{Resource: scope, Stage: StageResource, Message: err.Error()})
	}
	if len(resources) == 0 && err == nil {
		sum.SkipReason = ptr(SkipNoResources)
	}

	state := &runState{
		id:        runID,
		mode:      mode,
		force:     req.Force,
		remaining: limit,
		budget:    budget,
		cache:     NewRunCache(),
		locks:     p.Locks.ForHolder(runID),
		sum:       sum,
		meta:      &meta,
	}
	locked := 0
	for _, res := range resources {
		if budget.Exceeded() || ctx.Err() != nil {
			sum.Aborted = true
			break
		}
		if state.remaining <= 0 && mode != ModeRetryErrors {
			break
		}
		if !p.processResource(ctx, state, res) {
			locked++
		}
	}
	if len(resources) > 0 && locked == len(resources) {
		sum.SkipReason = ptr(SkipAllLocked)
	}
	if len(resources) > 0 && sum.Stats.ResourcesScanned == 0 && locked == 0 && sum.Aborted {
		sum.SkipReason = ptr(SkipBudgetAtStart)
	}

	status := domain.RunOK
	switch {
	case sum.Aborted:
		status = domain.RunAborted
	case sum.SkipReason != nil:
		status = domain.RunSkipped
	}
	finished := p.now()
	observability.ObserveRun(mode, status, finished.Sub(started))
	span.SetAttributes(
		attribute.String("run.status", status),
		attribute.Int("run.processed", sum.Stats.ReviewsProcessed),
		attribute.Int("run.errors", sum.Stats.ErrorCount),
	)

	// The record and event describe the run even when its caller went away.
	done := context.WithoutCancel(ctx)
	if p.Recorder != nil {
		metaJSON, _ := json.Marshal(meta)
		p.Recorder.Record(done, domain.RunRecord{
			ID:         runID,
			Scope:      scope,
			Mode:       mode,
			Trigger:    orDefault(req.Trigger, "http"),
			Status:     status,
			StartedAt:  started.UTC(),
			FinishedAt: ptr(finished.UTC()),
			Processed:  sum.Stats.ReviewsProcessed,
			Tagged:     sum.Stats.TagsUpserted,
			Drafted:    sum.Stats.DraftsGenerated,
			Errors:     sum.Stats.ErrorCount,
			Aborted:    sum.Aborted,
			SkipReason: sum.SkipReason,
			Metadata:   metaJSON,
		})
	}
	if p.Events != nil {
		publish(done, p.Events, EventRunFinished, sum)
	}

	logger.Info().
		Str("status", status).
		Int("resources", sum.Stats.ResourcesScanned).
		Int("synced", sum.Stats.ReviewsSynced).
		Int("processed", sum.Stats.ReviewsProcessed).
		Int("errors", sum.Stats.ErrorCount).
		Bool("aborted", sum.Aborted).
		Dur("elapsed", finished.Sub(started)).
		Str("trace_id", observability.TraceID(ctx)).
		Msg("run finished")
	return sum, nil
}

// runMeta is stored as the run's diagnostic metadata.
type runMeta struct {
	Limit      int                `json:"limit"`
	Budget     string             `json:"budget"`
	Force      bool               `json:"force"`
	StaleLocks int64              `json:"stale_locks"`
	StaleJobs  int64              `json:"stale_jobs"`
	Locked     []string           `json:"locked,omitempty"`
	Resources  map[string]resMeta `json:"resources,omitempty"`
}

type resMeta struct {
	Pages    int    `json:"pages,omitempty"`
	Stop     string `json:"stop,omitempty"`
	Backlog  int    `json:"backlog_enqueued,omitempty"`
	Retried  int    `json:"retried,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
	Enqueued int    `json:"enqueued,omitempty"`
}

type runState struct {
	id        string
	mode      string
	force     bool
	remaining int
	budget    *RunBudget
	cache     *RunCache
	locks     *LockManager
	sum       *RunSummary
	meta      *runMeta
}

func (p *Pipeline) resolveResources(ctx context.Context, name string) ([]domain.Resource, error) {
	if name == "" {
		return repo.ListActiveResources(ctx, p.DB)
	}
	r, err := repo.GetResourceByName(ctx, p.DB, name)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, err
	}
	return []domain.Resource{*r}, nil
}

// processResource runs the mode's stages for one resource under its lease.
// It returns false when the lease was held by another invocation.
func (p *Pipeline) processResource(ctx context.Context, st *runState, res domain.Resource) bool {
	logger := zerolog.Ctx(ctx).With().Str("resource", res.ExternalName).Logger()
	ctx = logger.WithContext(ctx)

	key := "resource:" + res.ID
	if !st.locks.Acquire(ctx, key) {
		logger.Info().Msg("resource locked by another run; skipping")
		st.meta.Locked = append(st.meta.Locked, res.ExternalName)
		return false
	}
	defer st.locks.Release(context.WithoutCancel(ctx), key)

	stats := &st.sum.Stats
	stats.ResourcesScanned++
	rm := resMeta{}
	defer func() {
		if st.meta.Resources == nil {
			st.meta.Resources = map[string]resMeta{}
		}
		st.meta.Resources[res.ExternalName] = rm
	}()

	if st.mode == ModeRetryErrors {
		n, err := p.Queue.RetryErrors(ctx, res.ID, max(st.remaining, 1))
		if err != nil && ctx.Err() != nil {
			st.sum.Aborted = true
			return true
		}
		if err != nil {
			stats.addError(ItemError{Resource: res.ExternalName, Stage: StageQueue, Message: err.Error()})
		}
		rm.Retried = n
		stats.JobsRequeued += n
	}

	if st.mode == ModeBacklog || st.mode == ModeRecent {
		sr, err := p.Sync.Sync(ctx, res, SyncOptions{
			RunID:   st.id,
			Force:   st.force,
			MaxRows: st.remaining,
			Budget:  st.budget,
		})
		stats.ReviewsSynced += sr.Merged
		rm.Pages, rm.Stop, rm.Enqueued = sr.Pages, sr.Stop, sr.Enqueued
		if !sr.Cursor.IsZero() {
			rm.Cursor = sr.Cursor.Time.Format(time.RFC3339Nano) + "|" + sr.Cursor.ID
		}
		if err != nil && ctx.Err() != nil {
			logger.Info().Err(err).Msg("sync interrupted")
			st.sum.Aborted = true
			return true
		}
		if err != nil {
			logger.Warn().Err(err).Msg("sync failed")
			stats.addError(ItemError{Resource: res.ExternalName, Stage: StageSync, Message: err.Error()})
			if errors.Is(err, ErrResourceNotFound) {
				return true
			}
		}
		if sr.Stop == StopBudget {
			st.sum.Aborted = true
			return true
		}
	}

	if !p.drain(ctx, st, res) {
		return true
	}

	if st.mode == ModeBacklog && st.remaining > 0 && !st.budget.Exceeded() {
		n, err := p.Queue.DiscoverBacklog(ctx, res.ID, st.remaining)
		if err != nil && ctx.Err() != nil {
			st.sum.Aborted = true
			return true
		}
		if err != nil {
			stats.addError(ItemError{Resource: res.ExternalName, Stage: StageQueue, Message: err.Error()})
			return true
		}
		rm.Backlog = n
		if n > 0 {
			p.drain(ctx, st, res)
		}
	}
	return true
}

// drain processes the resource's queue within the run's remaining limit.
// It returns false when the run was aborted.
func (p *Pipeline) drain(ctx context.Context, st *runState, res domain.Resource) bool {
	stats := &st.sum.Stats
	if st.remaining <= 0 {
		return true
	}
	dr, err := p.Analysis.Drain(ctx, res, DrainOptions{
		Limit:          st.remaining,
		Budget:         st.budget,
		Force:          st.force,
		StrictIdentity: p.StrictIdentity,
		Cache:          st.cache,
		Events:         p.Events,
		RunID:          st.id,
	})
	st.remaining -= dr.Attempted
	stats.ReviewsProcessed += dr.Processed
	stats.TagsUpserted += dr.Tagged
	stats.DraftsGenerated += dr.Drafted
	stats.JobsRequeued += dr.Requeued
	for _, e := range dr.Errors {
		stats.addError(e)
	}
	if err != nil {
		stats.addError(ItemError{Resource: res.ExternalName, Stage: StageQueue, Message: err.Error()})
	}
	if dr.Aborted {
		st.sum.Aborted = true
		return false
	}
	return true
}

func ptr[T any](v T) *T { return &v }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
