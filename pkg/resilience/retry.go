package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines bounded retry behavior for transient failures.
// The delay grows linearly: BaseDelay after the first failure, 2*BaseDelay
// after the second, and so on.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Sleep       func(time.Duration)
}

func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	return RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// Do runs fn up to MaxAttempts times, sleeping between attempts. The last
// error is returned when the budget is exhausted. Context cancellation stops
// further attempts.
func (r RetryPolicy) Do(ctx context.Context, fn func() error) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var err error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == r.MaxAttempts {
			break
		}
		sleep(r.BaseDelay * time.Duration(attempt))
	}
	return err
}
