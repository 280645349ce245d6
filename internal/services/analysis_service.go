// Package services – AnalysisService
//
// This file implements the analysis worker. Drain claims pending jobs for one
// resource in small batches and runs each through the model under the retry
// policy. Output that fails schema validation is retried a bounded number of
// times before the job is failed. A successful result stores the insight and
// replaces the review's tag links, then asks ReplyService for a draft.
//
// The run budget and the context are checked before every job. When either
// ends the run, claimed jobs that did not finish are handed back to pending
// and the result is marked aborted; that is a clean stop, not an error.
// Draft failures are reported per item but never fail the analysis job.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/adapters/llm"
	"github.com/tbourn/review-pipeline/internal/domain"
	"github.com/tbourn/review-pipeline/internal/insights"
	"github.com/tbourn/review-pipeline/internal/observability"
	"github.com/tbourn/review-pipeline/internal/repo"
	"github.com/tbourn/review-pipeline/internal/retry"
)

// Processing stages reported in item errors.
const (
	StageSync     = "sync"
	StageAnalyze  = "analyze"
	StageDraft    = "draft"
	StageQueue    = "queue"
	StageResource = "resource"
)

// ItemError is a failure confined to one resource or review.
type ItemError struct {
	Resource string `json:"resource"`
	ReviewID string `json:"reviewId,omitempty"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

// DrainOptions tunes one pass over a resource's queue.
type DrainOptions struct {
	// Limit caps the jobs attempted.
	Limit  int
	Budget *RunBudget
	// Force allows regenerating drafts that are not human-owned.
	Force bool
	// StrictIdentity fails drafting when no identity is configured.
	StrictIdentity bool
	Cache          *RunCache
	Events         EventPublisher
	RunID          string
}

// DrainResult summarizes a drain pass.
type DrainResult struct {
	Attempted int
	Processed int
	Skipped   int
	Tagged    int
	Drafted   int
	Requeued  int
	Aborted   bool
	Errors    []ItemError
}

// AnalysisService turns queued reviews into insights, tags and drafts.
type AnalysisService struct {
	DB      *gorm.DB
	LLM     Completer
	Queue   *JobQueue
	Replies *ReplyService

	// Policy retries LLM calls; Store retries the insight write.
	Policy retry.Policy
	Store  retry.Policy
	// MalformedRetries bounds retries of schema-violating output.
	MalformedRetries int
	MaxTopics        int
	// BatchSize is the number of jobs claimed at a time.
	BatchSize int
	Now       func() time.Time
}

func (s *AnalysisService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Drain claims and processes pending jobs of res until the queue is empty,
// opts.Limit jobs were attempted, or the budget runs out. Claimed jobs that
// were not finished when the budget ran out or ctx ended go back to pending
// and the result is marked aborted.
func (s *AnalysisService) Drain(ctx context.Context, res domain.Resource, opts DrainOptions) (DrainResult, error) {
	ctx, span := otel.Tracer("services/AnalysisService").Start(ctx, "Drain",
		trace.WithAttributes(
			attribute.String("resource.id", res.ID),
			attribute.Int("limit", opts.Limit),
		),
	)
	defer span.End()

	var out DrainResult
	batch := s.BatchSize
	if batch <= 0 {
		batch = 5
	}

	for out.Attempted < opts.Limit {
		if opts.Budget.Exceeded() || ctx.Err() != nil {
			out.Aborted = true
			break
		}
		n := min(batch, opts.Limit-out.Attempted)
		jobs, err := s.Queue.Claim(ctx, res.ID, n)
		if err != nil {
			if ctx.Err() != nil {
				out.Aborted = true
				break
			}
			return out, fmt.Errorf("claim jobs: %w", err)
		}
		if len(jobs) == 0 {
			break
		}

		for i, job := range jobs {
			if opts.Budget.Exceeded() || ctx.Err() != nil {
				out.Aborted = true
				out.Requeued += s.requeue(ctx, jobs[i:])
				break
			}
			out.Attempted++
			if !s.runJob(ctx, res, job, opts, &out) {
				out.Aborted = true
				out.Requeued += s.requeue(ctx, jobs[i:])
				break
			}
		}
		if out.Aborted {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("processed", out.Processed),
		attribute.Int("errors", len(out.Errors)),
		attribute.Bool("aborted", out.Aborted),
	)
	return out, nil
}

// requeue returns jobs to pending. It runs detached from ctx so a canceled
// run still hands its claims back.
func (s *AnalysisService) requeue(ctx context.Context, jobs []domain.Job) int {
	ctx = context.WithoutCancel(ctx)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	n, err := s.Queue.Requeue(ctx, ids)
	if err != nil {
		// Left in processing; stale recovery picks them up.
		zerolog.Ctx(ctx).Warn().Err(err).Int("jobs", len(ids)).Msg("requeue failed")
		return 0
	}
	observability.CountJobs("requeued", int(n))
	return int(n)
}

// runJob processes one claimed job and records its outcome. It returns false
// when the run's context ended mid-job; the job is then left for the caller
// to requeue instead of being failed.
func (s *AnalysisService) runJob(ctx context.Context, res domain.Resource, job domain.Job, opts DrainOptions, out *DrainResult) bool {
	logger := zerolog.Ctx(ctx)
	outcome, err := s.ProcessJob(ctx, job, opts)
	if err != nil && ctx.Err() != nil {
		logger.Info().Err(err).Str("job", job.ID).Msg("run canceled mid-job")
		return false
	}
	// Job transitions must land even if the run is canceled from here on.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		msg := err.Error()
		if ferr := s.Queue.Fail(bg, job.ID, msg); ferr != nil {
			logger.Warn().Err(ferr).Str("job", job.ID).Msg("mark job failed")
		}
		if serr := repo.SetReviewStatus(bg, s.DB, job.ReviewID, domain.ReviewStatusError); serr != nil && !errors.Is(serr, repo.ErrNotFound) {
			logger.Warn().Err(serr).Str("review", job.ReviewID).Msg("mark review failed")
		}
		out.Errors = append(out.Errors, ItemError{
			Resource: res.ExternalName, ReviewID: job.ReviewID, Stage: StageAnalyze, Message: msg,
		})
		observability.CountJobs("error", 1)
		logger.Warn().Err(err).Str("job", job.ID).Str("review", job.ReviewID).Msg("analysis failed")
		return true
	}

	if cerr := s.Queue.Complete(bg, job.ID); cerr != nil {
		logger.Warn().Err(cerr).Str("job", job.ID).Msg("mark job done")
	}
	observability.CountJobs("done", 1)
	if outcome.Skipped {
		out.Skipped++
		return true
	}
	out.Processed++
	out.Tagged += outcome.Tags
	if outcome.Drafted {
		out.Drafted++
	}
	if outcome.DraftErr != nil {
		out.Errors = append(out.Errors, ItemError{
			Resource: res.ExternalName, ReviewID: job.ReviewID, Stage: StageDraft, Message: outcome.DraftErr.Error(),
		})
	}
	if opts.Events != nil {
		publish(ctx, opts.Events, EventReviewAnalyzed, ReviewAnalyzedEvent{
			RunID: opts.RunID, ReviewID: job.ReviewID, ResourceID: res.ID,
			Sentiment: outcome.Sentiment, Tags: outcome.Tags, Drafted: outcome.Drafted,
		})
	}
	return true
}

// Outcome is the result of processing one job.
type Outcome struct {
	Skipped   bool
	Sentiment string
	Tags      int
	Drafted   bool
	// DraftErr is a draft failure; the analysis itself succeeded.
	DraftErr error
}

// ProcessJob analyses the review referenced by job. Reviews without text
// are marked skipped.
func (s *AnalysisService) ProcessJob(ctx context.Context, job domain.Job, opts DrainOptions) (Outcome, error) {
	p, err := repo.DecodeJobPayload(job)
	if err != nil {
		return Outcome{}, fmt.Errorf("decode payload: %w", err)
	}
	review, err := repo.GetReview(ctx, s.DB, p.ReviewID)
	if errors.Is(err, repo.ErrNotFound) {
		return Outcome{}, ErrReviewNotFound
	}
	if err != nil {
		return Outcome{}, err
	}
	if !review.HasText() {
		return Outcome{Skipped: true}, repo.SetReviewStatus(ctx, s.DB, review.ID, domain.ReviewStatusSkipped)
	}
	return s.Analyze(ctx, *review, opts)
}

// Analyze runs the model on review, stores the insight and its tags, and
// drafts a reply when none exists yet.
func (s *AnalysisService) Analyze(ctx context.Context, review domain.Review, opts DrainOptions) (Outcome, error) {
	ctx, span := otel.Tracer("services/AnalysisService").Start(ctx, "Analyze",
		trace.WithAttributes(attribute.String("review.id", review.ID)),
	)
	defer span.End()

	result, err := s.complete(ctx, review)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		return Outcome{}, err
	}

	links := make([]repo.TagLink, len(result.Topics))
	labels := make([]string, len(result.Topics))
	for i, t := range result.Topics {
		links[i] = repo.TagLink{
			Normalized: t.Normalized,
			Label:      t.Name,
			Category:   t.Category,
			Polarity:   t.Polarity,
			Confidence: t.Confidence,
			Evidence:   t.Evidence,
		}
		labels[i] = t.Name
	}
	topics, _ := json.Marshal(result.Topics)
	now := s.now()
	insight := domain.Insight{
		ReviewID:   review.ID,
		Sentiment:  result.Sentiment,
		Score:      result.Score,
		Summary:    result.Summary,
		Topics:     topics,
		Model:      s.LLM.Model(),
		AnalyzedAt: now,
	}
	err = retry.DoErr(ctx, s.Store, retry.ClassifyStore, func(ctx context.Context) error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := repo.SaveInsight(ctx, tx, insight, links, now); err != nil {
				return err
			}
			return repo.SetReviewStatus(ctx, tx, review.ID, domain.ReviewStatusAnalyzed)
		})
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("save insight: %w", err)
	}

	out := Outcome{Sentiment: result.Sentiment, Tags: len(links)}
	if s.Replies != nil {
		drafted, derr := s.Replies.EnsureDraft(ctx, DraftRequest{
			Review:  review,
			Summary: result.Summary,
			Tags:    labels,
			Strict:  opts.StrictIdentity,
			Mode:    domain.DraftModeDraft,
			Cache:   opts.Cache,
		}, opts.Force)
		out.Drafted, out.DraftErr = drafted, derr
	}
	return out, nil
}

// complete asks the model for an insight. Output that fails validation is
// retried a bounded number of times before it becomes a permanent error.
func (s *AnalysisService) complete(ctx context.Context, review domain.Review) (*insights.Result, error) {
	system, user := insights.Prompt(*review.Comment, review.Rating)
	classify := retry.TransientUpTo(insights.ErrMalformed, s.MalformedRetries, retry.Classify)
	return retry.Do(ctx, s.Policy, classify, func(ctx context.Context) (*insights.Result, error) {
		raw, err := s.LLM.Complete(ctx, llm.Request{
			System: system,
			User:   user,
			Schema: &llm.Schema{Name: insights.SchemaName, Schema: insights.Schema()},
		})
		if errors.Is(err, llm.ErrUnexpectedShape) {
			return nil, fmt.Errorf("%w: %v", insights.ErrMalformed, err)
		}
		if err != nil {
			return nil, err
		}
		return insights.Parse(raw, s.MaxTopics)
	})
}
