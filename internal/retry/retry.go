// Package retry provides bounded exponential backoff with jitter.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"time"
)

// Policy decides whether and when to retry a failed attempt. Attempts are 1-based.
type Policy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// retryable is implemented by errors that know whether a repeat could succeed.
type retryable interface {
	Retryable() bool
}

// ExponentialPolicy implements Policy with jittered backoff.
type ExponentialPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// Option customizes an ExponentialPolicy.
type Option func(*ExponentialPolicy)

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(p *ExponentialPolicy) { p.baseDelay = d }
}

// WithMaxDelay caps a single backoff.
func WithMaxDelay(d time.Duration) Option {
	return func(p *ExponentialPolicy) { p.maxDelay = d }
}

// NewExponential builds a policy allowing maxAttempts total attempts.
func NewExponential(maxAttempts int, opts ...Option) *ExponentialPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	p := &ExponentialPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ShouldRetry decides whether the error is retryable.
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
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Backoff returns the wait duration before attempt+1.
func (p *ExponentialPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
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

// Do calls fn until it succeeds, the policy gives up, or ctx is done.
// The last error is returned, annotated with the attempt count when retries happened.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt) {
			if attempt > 1 {
				return fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			return err
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
}
