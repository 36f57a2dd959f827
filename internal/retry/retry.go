// Package retry provides the bounded retry-with-backoff executor used for
// every collaborator call. Backoff is exponential with a cap plus a small
// uniform jitter; a classifier can short-circuit retries for failures that
// repeating cannot fix.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

const jitterWindow = 50 * time.Millisecond

type Options struct {
	// Retries is the number of attempts allowed after the first one.
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	Classify  Classifier

	// Sleep and Jitter are test seams; nil means real sleep and rand.
	Sleep  func(context.Context, time.Duration) error
	Jitter func() time.Duration
}

// Info reports how an execution went. Attempts are numbered from 1.
type Info struct {
	Attempts    int
	LastBackoff time.Duration
}

// ExhaustedError is returned when the retry budget is used up or a
// deterministic failure stops retrying early. It always wraps the last
// underlying error.
type ExhaustedError struct {
	Attempts    int
	LastBackoff time.Duration
	Err         error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs op until it succeeds, the budget is spent, or the classifier marks
// a failure deterministic. The backoff before attempt n+1 is
// min(MaxDelay, BaseDelay * Factor^(n-1)) plus uniform [0, 50ms) jitter.
func Do[T any](ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, Info, error) {
	var zero T
	if opts.Factor <= 0 {
		opts.Factor = 2
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = func() time.Duration { return time.Duration(rand.Int63n(int64(jitterWindow))) }
	}

	info := Info{}
	var lastErr error
	for attempt := 1; attempt <= opts.Retries+1; attempt++ {
		info.Attempts = attempt
		v, err := op(ctx)
		if err == nil {
			return v, info, nil
		}
		lastErr = err

		if opts.Classify != nil && opts.Classify(err) == Deterministic {
			break
		}
		if attempt > opts.Retries {
			break
		}

		backoff := backoffFor(attempt, opts.BaseDelay, opts.MaxDelay, opts.Factor)
		info.LastBackoff = backoff
		if err := sleep(ctx, backoff+jitter()); err != nil {
			lastErr = err
			break
		}
	}
	return zero, info, &ExhaustedError{Attempts: info.Attempts, LastBackoff: info.LastBackoff, Err: lastErr}
}

// DelayForAttempt reports the capped backoff that would follow the given
// attempt, before jitter.
func DelayForAttempt(attempt int, opts Options) time.Duration {
	factor := opts.Factor
	if factor <= 0 {
		factor = 2
	}
	return backoffFor(attempt, opts.BaseDelay, opts.MaxDelay, factor)
}

func backoffFor(attempt int, base, max time.Duration, factor float64) time.Duration {
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if max > 0 {
		d = math.Min(d, float64(max))
	}
	return time.Duration(d)
}
