package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/review-pipeline/internal/domain"
)

func TestResourceQueueStats(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	r1 := seedReview(t, db, mkReview("o1", "res-1", "a", t0, strptr("a")))
	r2 := seedReview(t, db, mkReview("o1", "res-1", "b", t0, strptr("b")))
	seedReview(t, db, mkReview("o1", "res-1", "c", t0, strptr("c")))

	j1, _, _ := EnqueueJob(ctx, db, domain.JobPayload{ReviewID: r1.ID, ResourceID: "res-1"}, t0)
	_, _, _ = EnqueueJob(ctx, db, domain.JobPayload{ReviewID: r2.ID, ResourceID: "res-1"}, t0.Add(time.Second))
	_, _ = ClaimJobs(ctx, db, "res-1", 1, t0)
	_ = FailJob(ctx, db, j1, "x", t0)

	s, err := ResourceQueueStats(ctx, db, "res-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// r1's job failed but the review itself was not marked, so r1 and c
	// count as backlog; r2 is covered by its pending job.
	if s.Pending != 1 || s.Processing != 0 || s.Error != 1 || s.Backlog != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}

	all, err := ResourceQueueStats(ctx, db, "")
	if err != nil || all.Pending != 1 || all.Backlog != 0 {
		t.Fatalf("global stats: %+v err=%v", all, err)
	}
}

func TestRuns_InsertGetList(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	for i, id := range []string{"run-1", "run-2"} {
		rec := &domain.RunRecord{ID: id, Scope: "all", Mode: "backlog", Trigger: "http", Status: domain.RunOK, StartedAt: t0.Add(time.Duration(i) * time.Minute)}
		if err := InsertRun(ctx, db, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, err := GetRun(ctx, db, "run-1")
	if err != nil || got.Mode != "backlog" {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	list, total, err := ListRunsPage(ctx, db, 0, 5)
	if err != nil || total != 2 || len(list) != 2 || list[0].ID != "run-2" {
		t.Fatalf("list: %+v total=%d err=%v", list, total, err)
	}
	list, _, err = ListRunsPage(ctx, db, 1, 5)
	if err != nil || len(list) != 1 || list[0].ID != "run-1" {
		t.Fatalf("offset list: %+v err=%v", list, err)
	}
}
