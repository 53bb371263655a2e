package entity

import (
	"context"
	"time"
)

// RetryPolicy bounds the retries applied to the second step of a two-step
// create or delete and to index writes. Waits grow linearly: Backoff, 2*Backoff, ...
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 10 * time.Millisecond}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// do runs fn until it succeeds, returns a non-retryable error, or the attempts
// are exhausted. onRetry, when set, observes each failed attempt that will be retried.
func (p RetryPolicy) do(ctx context.Context, fn func() error, onRetry ...func(attempt int, err error)) error {
	p = p.normalized()
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= p.Attempts || !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		for _, cb := range onRetry {
			cb(attempt, err)
		}
		timer := time.NewTimer(p.Backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
