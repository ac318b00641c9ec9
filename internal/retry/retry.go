// Package retry provides the bounded retry policy injected at fetch and
// delivery call sites.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"yad2_bot/internal/failure"
)

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles afterwards.
	Backoff time.Duration
	// MaxBackoff caps a single delay. Zero means no cap.
	MaxBackoff time.Duration
	// Retryable decides which errors are worth another attempt.
	// Defaults to failure.IsRetryable.
	Retryable func(error) bool
}

// Default is three attempts with a one second exponential backoff.
var Default = Policy{MaxAttempts: 3, Backoff: time.Second, MaxBackoff: 30 * time.Second}

// Once performs a single attempt.
var Once = Policy{MaxAttempts: 1}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is cancelled. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = failure.IsRetryable
	}

	attempt := 0
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := op(ctx, attempt)
		if err != nil && retryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}

func (p Policy) backoff() goretry.Backoff {
	var b goretry.Backoff
	if p.Backoff > 0 {
		b = goretry.NewExponential(p.Backoff)
	} else {
		b = goretry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	}
	if p.MaxBackoff > 0 {
		b = goretry.WithCappedDuration(p.MaxBackoff, b)
	}

	retries := uint64(0)
	if p.MaxAttempts > 1 {
		retries = uint64(p.MaxAttempts - 1)
	}
	return goretry.WithMaxRetries(retries, b)
}
