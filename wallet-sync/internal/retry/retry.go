// Package retry applies one retry policy to builder calls, using the apperr
// taxonomy to decide whether another attempt is allowed.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
)

// maxInterval caps a single wait between attempts.
const maxInterval = time.Minute

// Policy retries retryable failures up to Attempts total tries. The wait
// before try n+1 starts at Backoff and doubles each time, capped at a minute.
// The zero value tries once.
type Policy struct {
	Attempts int
	Backoff  time.Duration
	// Retryable overrides apperr.Retryable when set.
	Retryable func(error) bool
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.Backoff > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.Backoff
		exp.RandomizationFactor = 0
		exp.Multiplier = 2
		exp.MaxInterval = maxInterval
		exp.MaxElapsedTime = 0
		b = exp
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.attempts()-1)), ctx)
}

// Budget is the longest Do can take when every attempt runs for perAttempt.
func (p Policy) Budget(perAttempt time.Duration) time.Duration {
	n := p.attempts()
	total := time.Duration(n) * perAttempt
	wait := p.Backoff
	for i := 1; i < n && wait > 0; i++ {
		if wait > maxInterval {
			wait = maxInterval
		}
		total += wait
		wait *= 2
	}
	return total
}

// Do runs fn until it succeeds, fails fatally, the attempts run out or ctx is
// done. It returns the number of attempts made and the last error fn returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperr.Retryable
	}

	var (
		attempt int
		lastErr error
	)
	err := backoff.Retry(func() error {
		attempt++
		lastErr = fn(ctx, attempt)
		if lastErr != nil && !retryable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, p.backOff(ctx))
	if err == nil {
		return attempt, nil
	}
	if lastErr != nil {
		return attempt, lastErr
	}
	return attempt, err
}
