// Package backoff implements the bounded exponential backoff used to absorb
// eventual consistency in remote AWS state. Retries apply only to errors the
// caller classifies as transient; everything else returns immediately.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retry loop by per-attempt delay and total elapsed time.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxElapsed time.Duration
}

// TimeoutError reports that a retry loop exhausted its elapsed-time budget.
// It wraps the last observed error, if any, so callers can still inspect the
// condition that kept the loop spinning.
type TimeoutError struct {
	Elapsed time.Duration
	Last    error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("backoff budget exhausted after %s: %s", e.Elapsed, e.Last)
	}
	return fmt.Sprintf("backoff budget exhausted after %s", e.Elapsed)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// IsTimeout reports whether err is a retry-budget exhaustion.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Retry runs fn until it succeeds, returns an error that retryable rejects,
// or the elapsed budget runs out. Budget exhaustion surfaces as *TimeoutError
// wrapping the last error from fn.
func (p Policy) Retry(ctx context.Context, fn func(context.Context) error, retryable func(error) bool) error {
	start := time.Now()
	delay := p.baseDelay()
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		elapsed := time.Since(start)
		if elapsed+delay > p.MaxElapsed {
			return &TimeoutError{Elapsed: elapsed, Last: err}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = p.nextDelay(delay)
	}
}

// Poll repeats cond until it reports done. An error from cond aborts the loop
// immediately; budget exhaustion surfaces as *TimeoutError.
func (p Policy) Poll(ctx context.Context, cond func(context.Context) (bool, error)) error {
	start := time.Now()
	delay := p.baseDelay()
	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		elapsed := time.Since(start)
		if elapsed+delay > p.MaxElapsed {
			return &TimeoutError{Elapsed: elapsed}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = p.nextDelay(delay)
	}
}

func (p Policy) baseDelay() time.Duration {
	if p.BaseDelay > 0 {
		return p.BaseDelay
	}
	return time.Second
}

func (p Policy) nextDelay(delay time.Duration) time.Duration {
	delay *= 2
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
