// Package retry runs operations under an explicit attempt/backoff/timeout policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts counts the first try; 3 means one try plus two retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// AttemptTimeout bounds each individual attempt. Zero disables it.
	AttemptTimeout time.Duration
}

// DefaultPolicy is one try plus two retries with a two minute attempt timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		AttemptTimeout: 2 * time.Minute,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		p.InitialBackoff = p.MaxBackoff
	}
	return p
}

// Backoff returns the wait before the given retry (1-based).
func (p Policy) Backoff(retry int) time.Duration {
	p = p.normalized()
	wait := float64(p.InitialBackoff)
	for i := 1; i < retry; i++ {
		wait *= p.Multiplier
		if p.MaxBackoff > 0 && time.Duration(wait) >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return time.Duration(wait)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do runs fn until it succeeds, returns a Permanent error, the parent context
// ends, or the policy's attempts are used up. Each attempt gets its own
// timeout-bounded context when AttemptTimeout is set.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	policy = policy.normalized()

	var last error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("retry: %w (last error: %v)", err, last)
			}
			return err
		}

		last = runAttempt(ctx, policy.AttemptTimeout, fn)
		if last == nil {
			return nil
		}
		if IsPermanent(last) {
			return last
		}
		if attempt == policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: %w (last error: %v)", ctx.Err(), last)
		case <-timer.C:
		}
	}
	return &ExhaustedError{Attempts: policy.MaxAttempts, Last: last}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
