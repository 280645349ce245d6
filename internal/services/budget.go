// Package services – RunBudget
//
// A monotonic wall-clock allowance for one run, consulted before each page,
// job and resource.
package services

import "time"

// RunBudget is the wall-clock allowance of one invocation. It is checked
// before each unit of work (resource, page, job); work already started is
// allowed to finish.
type RunBudget struct {
	deadline time.Time
	now      func() time.Time
}

// NewRunBudget returns a budget of d measured with now. A nil now uses
// time.Now, whose readings carry the monotonic clock.
func NewRunBudget(d time.Duration, now func() time.Time) *RunBudget {
	if now == nil {
		now = time.Now
	}
	return &RunBudget{deadline: now().Add(d), now: now}
}

// Exceeded reports whether the deadline has passed. A nil budget never
// expires.
func (b *RunBudget) Exceeded() bool {
	if b == nil {
		return false
	}
	return !b.now().Before(b.deadline)
}

// Remaining returns the time left, never negative.
func (b *RunBudget) Remaining() time.Duration {
	if b == nil {
		return time.Duration(1<<63 - 1)
	}
	if d := b.deadline.Sub(b.now()); d > 0 {
		return d
	}
	return 0
}
