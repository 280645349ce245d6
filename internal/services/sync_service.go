// Package services – SyncService
//
// This file implements incremental sync of one resource's review stream.
// Pages are fetched through the retry policy, filtered to rows with a usable
// timestamp past the stored cursor, and upserted on (owner, resource,
// external id). The cursor advances only after a page is merged, so a crash
// replays at most one page and never skips one. A pass stops when the API
// has no next page, the budget runs out, or the row cap is hit.
//
// Reviews whose text changed are queued for analysis; reply-only updates are
// merged without new work.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/adapters/reviewapi"
	"github.com/tbourn/review-pipeline/internal/domain"
	"github.com/tbourn/review-pipeline/internal/observability"
	"github.com/tbourn/review-pipeline/internal/repo"
	"github.com/tbourn/review-pipeline/internal/retry"
)

// ReviewSource lists reviews of a resource page by page.
type ReviewSource interface {
	ListReviews(ctx context.Context, resourceName, pageToken string, updatedAfter time.Time) (*reviewapi.Page, error)
}

// PageArchiver stores raw API pages for later inspection.
type PageArchiver interface {
	Archive(ctx context.Context, resourceName, runID string, page int, body []byte) error
}

// Sync stop reasons.
const (
	StopExhausted = "exhausted"
	StopBudget    = "budget"
	StopRowCap    = "row_cap"
)

// SyncOptions tunes one sync pass.
type SyncOptions struct {
	RunID string
	// Force resets the cursor before syncing.
	Force bool
	// MaxRows caps merged rows; zero means no cap.
	MaxRows int
	Budget  *RunBudget
}

// SyncResult describes one sync pass.
type SyncResult struct {
	Pages    int
	Merged   int
	Enqueued int
	Cursor   domain.Position
	Stop     string
}

// SyncService merges reviews from the review API into the store.
type SyncService struct {
	DB     *gorm.DB
	Source ReviewSource
	Queue  *JobQueue
	// Archive is optional.
	Archive PageArchiver

	// Upstream retries the review API; Store retries batch writes.
	Upstream retry.Policy
	Store    retry.Policy
	Now      func() time.Time
}

// CursorKey is the stream key of a resource's review stream.
func CursorKey(resourceID string) string { return "reviews:" + resourceID }

func (s *SyncService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Sync walks the resource's review stream from its cursor. After every page
// is merged the cursor advances to the greatest (time, id) merged so far, so
// stopping at any point leaves a resumable checkpoint. A resource unknown to
// the API yields ErrResourceNotFound.
func (s *SyncService) Sync(ctx context.Context, res domain.Resource, opts SyncOptions) (SyncResult, error) {
	ctx, span := otel.Tracer("services/SyncService").Start(ctx, "Sync",
		trace.WithAttributes(
			attribute.String("resource.id", res.ID),
			attribute.String("resource.name", res.ExternalName),
			attribute.Bool("force", opts.Force),
		),
	)
	defer span.End()
	logger := zerolog.Ctx(ctx)

	key := CursorKey(res.ID)
	if opts.Force {
		if err := repo.ResetCursor(ctx, s.DB, key); err != nil {
			return SyncResult{}, fmt.Errorf("reset cursor: %w", err)
		}
	}
	var cursor domain.Position
	if c, err := repo.GetCursor(ctx, s.DB, key); err == nil {
		cursor = c.Position()
	} else if !errors.Is(err, repo.ErrNotFound) {
		return SyncResult{}, fmt.Errorf("load cursor: %w", err)
	}

	out := SyncResult{Cursor: cursor}
	// The filter stays fixed for the whole pass: page tokens are only valid
	// against the query that issued them.
	since := cursor.Time
	token := ""
	for {
		if opts.Budget.Exceeded() {
			out.Stop = StopBudget
			break
		}

		page, err := retry.Do(ctx, s.Upstream, retry.Classify, func(ctx context.Context) (*reviewapi.Page, error) {
			return s.Source.ListReviews(ctx, res.ExternalName, token, since)
		})
		if err != nil {
			if errors.Is(err, reviewapi.ErrResourceNotFound) {
				return out, fmt.Errorf("%w: %s", ErrResourceNotFound, res.ExternalName)
			}
			return out, err
		}
		out.Pages++
		s.archive(ctx, res, opts.RunID, out.Pages, page.Raw)

		rows, positions := s.mapPage(res, page.Reviews, cursor)
		capped := false
		if opts.MaxRows > 0 && out.Merged+len(rows) >= opts.MaxRows {
			keep := opts.MaxRows - out.Merged
			capped = keep < len(rows) || page.NextPageToken != ""
			rows, positions = rows[:keep], positions[:keep]
		}

		if len(rows) > 0 {
			enq, err := s.mergePage(ctx, res, rows)
			if err != nil {
				return out, err
			}
			out.Enqueued += enq
			out.Merged += len(rows)
			observability.CountSynced(len(rows))

			pos, _, err := repo.AdvanceCursor(ctx, s.DB, key, positions[len(positions)-1])
			if err != nil {
				return out, fmt.Errorf("advance cursor: %w", err)
			}
			cursor, out.Cursor = pos, pos
		}

		if capped {
			out.Stop = StopRowCap
			break
		}
		if page.NextPageToken == "" {
			out.Stop = StopExhausted
			break
		}
		token = page.NextPageToken
	}

	span.SetAttributes(
		attribute.Int("pages", out.Pages),
		attribute.Int("merged", out.Merged),
		attribute.String("stop", out.Stop),
	)
	logger.Debug().Str("resource", res.ExternalName).Int("pages", out.Pages).
		Int("merged", out.Merged).Int("enqueued", out.Enqueued).Str("stop", out.Stop).
		Msg("sync finished")
	return out, nil
}

// mapPage keeps rows with a usable timestamp strictly after cursor, orders
// them by (time, id) and keeps the last occurrence of each id.
func (s *SyncService) mapPage(res domain.Resource, in []reviewapi.Review, cursor domain.Position) ([]domain.Review, []domain.Position) {
	type item struct {
		row domain.Review
		pos domain.Position
	}
	byID := make(map[string]item, len(in))
	for _, r := range in {
		if r.ReviewID == "" {
			continue
		}
		ts, ok := r.Timestamp()
		if !ok {
			continue
		}
		pos := domain.Position{Time: ts, ID: r.ReviewID}
		if !pos.After(cursor) {
			continue
		}
		if prev, seen := byID[r.ReviewID]; seen && !pos.After(prev.pos) {
			continue
		}
		replyText, replyAt := r.PlainReply()
		created := r.CreatedAt()
		if created.IsZero() {
			created = ts
		}
		byID[r.ReviewID] = item{pos: pos, row: domain.Review{
			ID:               uuid.NewString(),
			OwnerID:          res.OwnerID,
			ResourceID:       res.ID,
			ExternalReviewID: r.ReviewID,
			Rating:           r.Rating(),
			Comment:          r.PlainComment(),
			AuthorName:       r.Reviewer.DisplayName,
			SourceCreatedAt:  created,
			SourceUpdatedAt:  ts,
			ReplyText:        replyText,
			ReplyUpdatedAt:   replyAt,
			Status:           domain.ReviewStatusNew,
		}}
	}

	items := make([]item, 0, len(byID))
	for _, it := range byID {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[j].pos.After(items[i].pos) })

	rows := make([]domain.Review, len(items))
	positions := make([]domain.Position, len(items))
	for i, it := range items {
		rows[i], positions[i] = it.row, it.pos
	}
	return rows, positions
}

// mergePage upserts rows and enqueues analysis for reviews whose text is new
// or changed. It returns the number of jobs created.
func (s *SyncService) mergePage(ctx context.Context, res domain.Resource, rows []domain.Review) (int, error) {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ExternalReviewID
	}

	existing, err := repo.ListReviewsByExternalIDs(ctx, s.DB, res.OwnerID, res.ID, ids)
	if err != nil {
		return 0, fmt.Errorf("load existing reviews: %w", err)
	}
	before := make(map[string]*string, len(existing))
	for _, r := range existing {
		before[r.ExternalReviewID] = r.Comment
	}

	now := s.now()
	for i := range rows {
		rows[i].CreatedAt = now
		rows[i].UpdatedAt = now
	}
	err = retry.DoErr(ctx, s.Store, retry.ClassifyStore, func(ctx context.Context) error {
		return repo.UpsertReviews(ctx, s.DB, rows)
	})
	if err != nil {
		return 0, fmt.Errorf("merge reviews: %w", err)
	}

	stored, err := repo.ListReviewsByExternalIDs(ctx, s.DB, res.OwnerID, res.ID, ids)
	if err != nil {
		return 0, fmt.Errorf("reload reviews: %w", err)
	}
	enqueued := 0
	for _, r := range stored {
		if !r.HasText() {
			continue
		}
		prev, seen := before[r.ExternalReviewID]
		if seen && sameText(prev, r.Comment) {
			continue
		}
		if seen && r.Status == domain.ReviewStatusError {
			// Changed text gets a fresh chance.
			if err := repo.SetReviewStatus(ctx, s.DB, r.ID, domain.ReviewStatusNew); err != nil {
				return enqueued, err
			}
		}
		_, created, err := s.Queue.Enqueue(ctx, r)
		if err != nil {
			return enqueued, fmt.Errorf("enqueue %s: %w", r.ID, err)
		}
		if created {
			enqueued++
		}
	}
	return enqueued, nil
}

func (s *SyncService) archive(ctx context.Context, res domain.Resource, runID string, n int, body []byte) {
	if s.Archive == nil || len(body) == 0 {
		return
	}
	if err := s.Archive.Archive(ctx, res.ExternalName, runID, n, body); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("resource", res.ExternalName).Int("page", n).Msg("page archive failed")
	}
}

func sameText(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
