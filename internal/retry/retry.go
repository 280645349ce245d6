// Package retry provides the single retry executor used by every outbound
// call site: the review API, the LLM completion API, and store writes.
//
// Do invokes an operation, classifies a failure as Transient or Permanent,
// and retries transient failures with exponential backoff
// (BaseDelay * 2^(attempt-1), capped by MaxDelay) up to MaxAttempts.
// Permanent failures return immediately. When attempts run out, the last
// error is returned wrapped in an *ExhaustedError carrying a diagnostic hint.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class is the retry classification of an error.
type Class int

const (
	// Permanent errors are returned at once.
	Permanent Class = iota
	// Transient errors are retried with backoff.
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Classifier maps an error to its retry class.
type Classifier func(error) Class

// ErrExhausted matches (via errors.Is) any error returned after the attempt
// budget ran out.
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError is the final error of a transient failure that never cleared.
type ExhaustedError struct {
	Attempts int
	Hint     string
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v (hint: %s)", e.Attempts, e.Err, e.Hint)
}

// Unwrap exposes both ErrExhausted and the original error.
func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Err} }

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy is used when a caller passes a zero Policy.
var DefaultPolicy = Policy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}

// Delay returns the wait before the retry following attempt (1-based).
// A server-provided Retry-After larger than the computed backoff wins,
// both capped by MaxDelay.
func (p Policy) Delay(attempt int, err error) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	var he *HTTPError
	if errors.As(err, &he) && he.RetryAfter > delay {
		delay = he.RetryAfter
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs op until it succeeds, fails permanently, the context ends, or
// MaxAttempts is reached.
func Do[T any](ctx context.Context, p Policy, classify Classifier, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p = DefaultPolicy
	}
	if classify == nil {
		classify = Classify
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if classify(err) == Permanent {
			return zero, err
		}
		if attempt >= p.MaxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Hint: Hint(err), Err: err}
		}

		delay := p.Delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if werr := sleep(ctx, delay); werr != nil {
			return zero, err
		}
	}
}

// DoErr is Do for operations without a result.
func DoErr(ctx context.Context, p Policy, classify Classifier, op func(context.Context) error) error {
	_, err := Do(ctx, p, classify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
