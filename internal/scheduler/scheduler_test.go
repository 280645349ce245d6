package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/review-pipeline/internal/services"
)

type fakeRunner struct {
	mu   sync.Mutex
	reqs []services.RunRequest
	err  error
}

func (f *fakeRunner) Run(ctx context.Context, req services.RunRequest) (*services.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("tick context has no deadline")
	}
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &services.RunSummary{OK: true, RunID: "r1"}, nil
}

func TestNew_RejectsBadSpecAndTimezone(t *testing.T) {
	if _, err := New("not a spec", "", time.Minute, &fakeRunner{}, services.RunRequest{}); err == nil {
		t.Fatalf("expected spec error")
	}
	if _, err := New("@every 1m", "Mars/Olympus", time.Minute, &fakeRunner{}, services.RunRequest{}); err == nil {
		t.Fatalf("expected timezone error")
	}
}

func TestTick_RunsWithCronTrigger(t *testing.T) {
	r := &fakeRunner{}
	s, err := New("*/5 * * * *", "UTC", time.Minute, r, services.RunRequest{Mode: services.ModeRecent})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tick()
	if len(r.reqs) != 1 || r.reqs[0].Trigger != "cron" || r.reqs[0].Mode != services.ModeRecent {
		t.Fatalf("unexpected requests: %+v", r.reqs)
	}

	// Errors are logged, not propagated.
	r.err = errors.New("boom")
	s.tick()
	if len(r.reqs) != 2 {
		t.Fatalf("expected second tick to run")
	}
}

func TestStartStop_SchedulesNext(t *testing.T) {
	s, err := New("@every 1h", "", time.Minute, &fakeRunner{}, services.RunRequest{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop()
	// Entries are computed asynchronously after Start.
	deadline := time.Now().Add(2 * time.Second)
	for s.Next().IsZero() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Next().IsZero() {
		t.Fatalf("expected a planned next run")
	}
}
