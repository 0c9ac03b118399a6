// Package retry applies a bounded retry policy to blocking operations.
// Backoff curves come from cenkalti/backoff; the loop itself is explicit so
// that mandated waits (rate limits) and cancellation are handled uniformly.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultMaxMandatedWaits bounds how many server-mandated waits a single
// operation may sit through before giving up.
const DefaultMaxMandatedWaits = 5

// Waiter is implemented by errors that carry a mandated wait before the
// next attempt (for example a flood-wait reply). Such waits do not consume
// an attempt.
type Waiter interface {
	RetryAfter() time.Duration
}

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int
	// NewBackOff builds a fresh backoff curve for each Do call.
	NewBackOff func() backoff.BackOff
	// Retryable decides whether an error is worth another attempt.
	// Cancellation is never retried regardless of the predicate.
	Retryable func(error) bool
	// Sleep waits for d or until ctx is done. Defaults to SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before every wait.
	OnRetry func(attempt int, err error, wait time.Duration)

	MaxMandatedWaits int
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Exponential returns a backoff factory growing by multiplier from min up to
// max, without jitter so waits are predictable.
func Exponential(min, max time.Duration, multiplier float64) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = min
		b.MaxInterval = max
		b.Multiplier = multiplier
		b.RandomizationFactor = 0
		b.Reset()
		return b
	}
}

// Constant returns a backoff factory with a fixed interval.
func Constant(d time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(d)
	}
}

// SleepContext waits for d unless ctx is cancelled first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsCancellation reports whether err stems from context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Do runs op until it succeeds, fails permanently, exhausts the attempts or
// ctx is cancelled. Cancellation always wins over a pending retry.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	maxWaits := p.MaxMandatedWaits
	if maxWaits <= 0 {
		maxWaits = DefaultMaxMandatedWaits
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	var bo backoff.BackOff = &backoff.ZeroBackOff{}
	if p.NewBackOff != nil {
		bo = p.NewBackOff()
	}
	bo.Reset()

	attempts, waits := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if IsCancellation(err) {
			return err
		}

		var w Waiter
		if errors.As(err, &w) && w.RetryAfter() > 0 && waits < maxWaits {
			waits++
			wait := w.RetryAfter()
			if p.OnRetry != nil {
				p.OnRetry(attempts+1, err, wait)
			}
			if serr := sleep(ctx, wait); serr != nil {
				return serr
			}
			continue
		}

		attempts++
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempts >= maxAttempts {
			return &ExhaustedError{Attempts: attempts, Err: err}
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return &ExhaustedError{Attempts: attempts, Err: err}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, wait)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
	}
}
