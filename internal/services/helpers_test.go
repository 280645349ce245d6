package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/review-pipeline/internal/adapters/llm"
	"github.com/tbourn/review-pipeline/internal/adapters/reviewapi"
	"github.com/tbourn/review-pipeline/internal/domain"
	"github.com/tbourn/review-pipeline/internal/repo"
	"github.com/tbourn/review-pipeline/internal/retry"
)

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("services_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func noSleep(context.Context, time.Duration) error { return nil }

var testPolicy = retry.Policy{MaxAttempts: 2, Sleep: noSleep}

// ----- Fake clock -----

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ----- Fake review API -----

type fakeSource struct {
	mu    sync.Mutex
	pages map[string][]reviewapi.Page
	calls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{pages: map[string][]reviewapi.Page{}}
}

func (f *fakeSource) set(resource string, pages ...[]reviewapi.Review) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]reviewapi.Page, len(pages))
	for i, p := range pages {
		out[i] = reviewapi.Page{Reviews: p}
	}
	f.pages[resource] = out
}

// ListReviews serves the configured pages; page tokens are page indexes.
// Unknown resources answer like the API's 404.
func (f *fakeSource) ListReviews(_ context.Context, resource, token string, _ time.Time) (*reviewapi.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	pages, ok := f.pages[resource]
	if !ok {
		return nil, reviewapi.ErrResourceNotFound
	}
	if len(pages) == 0 {
		return &reviewapi.Page{}, nil
	}
	idx := 0
	if token != "" {
		idx, _ = strconv.Atoi(token)
	}
	p := pages[idx]
	if idx+1 < len(pages) {
		p.NextPageToken = strconv.Itoa(idx + 1)
	}
	p.Raw = []byte(fmt.Sprintf(`{"page":%d}`, idx))
	return &p, nil
}

// offsetSource honours updatedAfter and hands out offset page tokens, like
// APIs that paginate a filtered result set by position.
type offsetSource struct {
	reviews  []reviewapi.Review
	pageSize int
}

func (f *offsetSource) ListReviews(_ context.Context, _, token string, updatedAfter time.Time) (*reviewapi.Page, error) {
	var matched []reviewapi.Review
	for _, r := range f.reviews {
		if ts, ok := r.Timestamp(); ok && (updatedAfter.IsZero() || ts.After(updatedAfter)) {
			matched = append(matched, r)
		}
	}
	off := 0
	if token != "" {
		off, _ = strconv.Atoi(token)
	}
	end := min(off+f.pageSize, len(matched))
	if off > end {
		off = end
	}
	p := &reviewapi.Page{Reviews: matched[off:end], Raw: []byte(`{}`)}
	if end < len(matched) {
		p.NextPageToken = strconv.Itoa(end)
	}
	return p, nil
}

func apiReview(id, comment string, updated time.Time) reviewapi.Review {
	return reviewapi.Review{
		ReviewID:   id,
		Reviewer:   reviewapi.Reviewer{DisplayName: "Ana"},
		StarRating: "FOUR",
		Comment:    comment,
		CreateTime: updated.Format(time.RFC3339Nano),
		UpdateTime: updated.Format(time.RFC3339Nano),
	}
}

// ----- Fake model -----

const validInsight = `{"sentiment":"positive","score":0.9,"summary":"Great food.","topics":[{"name":"Food","category":"product","polarity":"positive","confidence":0.9}]}`

type fakeLLM struct {
	mu           sync.Mutex
	insight      func(user string) (string, error)
	reply        func(user string) (string, error)
	insightCalls int
	replyCalls   int
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	var fn func(string) (string, error)
	if req.Schema != nil {
		f.insightCalls++
		fn = f.insight
	} else {
		f.replyCalls++
		fn = f.reply
	}
	f.mu.Unlock()

	if fn != nil {
		return fn(req.User)
	}
	if req.Schema != nil {
		return validInsight, nil
	}
	return "Thank you for your kind words!", nil
}

func (f *fakeLLM) Model() string { return "test-model" }

func (f *fakeLLM) counts() (insight, reply int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insightCalls, f.replyCalls
}

// ----- Fake sinks -----

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakePublisher) Publish(_ context.Context, key string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakePublisher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.keys {
		if k == key {
			n++
		}
	}
	return n
}

type fakeArchiver struct {
	mu    sync.Mutex
	pages []string
}

func (f *fakeArchiver) Archive(_ context.Context, resource, runID string, page int, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, fmt.Sprintf("%s/%s/%d", resource, runID, page))
	return nil
}

// ----- Fixtures -----

func seedResource(t *testing.T, db *gorm.DB, name, owner string) domain.Resource {
	t.Helper()
	r, err := repo.UpsertResource(context.Background(), db, domain.Resource{
		ID:           uuid.NewString(),
		OwnerID:      owner,
		ExternalName: name,
		Active:       true,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	})
	if err != nil {
		t.Fatalf("seed resource: %v", err)
	}
	return *r
}

func seedStoredReview(t *testing.T, db *gorm.DB, res domain.Resource, ext, comment string) domain.Review {
	t.Helper()
	var text *string
	if comment != "" {
		text = &comment
	}
	row := domain.Review{
		ID:               uuid.NewString(),
		OwnerID:          res.OwnerID,
		ResourceID:       res.ID,
		ExternalReviewID: ext,
		Comment:          text,
		SourceCreatedAt:  t0,
		SourceUpdatedAt:  t0,
		Status:           domain.ReviewStatusNew,
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
	ctx := context.Background()
	if err := repo.UpsertReviews(ctx, db, []domain.Review{row}); err != nil {
		t.Fatalf("seed review: %v", err)
	}
	rows, err := repo.ListReviewsByExternalIDs(ctx, db, res.OwnerID, res.ID, []string{ext})
	if err != nil || len(rows) != 1 {
		t.Fatalf("reload review: rows=%d err=%v", len(rows), err)
	}
	return rows[0]
}

func seedIdentity(t *testing.T, db *gorm.DB, owner, resourceID, tone string, words string) {
	t.Helper()
	if words == "" {
		words = "[]"
	}
	err := repo.UpsertIdentity(context.Background(), db, domain.VoiceIdentity{
		ID:             uuid.NewString(),
		OwnerID:        owner,
		ResourceID:     resourceID,
		Tone:           tone,
		Formality:      "informal",
		ForbiddenWords: []byte(words),
		CreatedAt:      t0,
		UpdatedAt:      t0,
	})
	if err != nil {
		t.Fatalf("seed identity: %v", err)
	}
}

func newTestPipeline(t *testing.T, db *gorm.DB, src ReviewSource, model Completer) *Pipeline {
	t.Helper()
	queue := NewJobQueue(db, 10*time.Minute)
	replies := &ReplyService{DB: db, LLM: model, Policy: testPolicy}
	p := &Pipeline{
		DB:    db,
		Locks: NewLockManager(db, 5*time.Minute, "test"),
		Queue: queue,
		Sync: &SyncService{
			DB:       db,
			Source:   src,
			Queue:    queue,
			Upstream: testPolicy,
			Store:    testPolicy,
		},
		Analysis: &AnalysisService{
			DB:               db,
			LLM:              model,
			Queue:            queue,
			Replies:          replies,
			Policy:           testPolicy,
			Store:            testPolicy,
			MalformedRetries: 1,
			MaxTopics:        5,
			BatchSize:        5,
		},
		Recorder:     NewRunRecorder(db),
		DefaultLimit: 50,
		MaxBudget:    30 * time.Second,
	}
	t.Cleanup(p.Recorder.Wait)
	return p
}

func countJobs(t *testing.T, db *gorm.DB, status string) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&domain.Job{}).Where("status = ?", status).Count(&n).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	return n
}
