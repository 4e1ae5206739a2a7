// Package retry runs operations under a bounded, jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Policy decides whether and when to retry a failed attempt.
type Policy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Classifier reports whether an error is worth another attempt.
type Classifier func(err error) bool

// ExponentialPolicy implements Policy with jittered backoff.
type ExponentialPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	retryable   Classifier
}

// NewExponentialPolicy builds a policy. A nil classifier retries every error
// except context cancellation.
func NewExponentialPolicy(maxAttempts int, base, maxDelay time.Duration, retryable Classifier) *ExponentialPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &ExponentialPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   base,
		maxDelay:    maxDelay,
		retryable:   retryable,
	}
}

// MaxAttempts returns the attempt budget.
func (p *ExponentialPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable. attempt counts the
// attempts already made.
func (p *ExponentialPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.retryable == nil {
		return true
	}
	return p.retryable(err)
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Do runs fn until it succeeds, the policy gives up, or ctx ends. The last
// error is returned on exhaustion.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := fn(ctx)
		attempt++
		if err == nil {
			return nil
		}
		if policy == nil || !policy.ShouldRetry(err, attempt) {
			return err
		}
		timer := time.NewTimer(policy.Backoff(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}
}
