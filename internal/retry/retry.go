// Package retry runs an operation with bounded exponential backoff and jitter.
// Only errors accepted by the configured predicate are retried; anything else
// is returned immediately.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	defaultInitialInterval = 10 * time.Millisecond
	defaultMaxInterval     = 200 * time.Millisecond
	defaultMultiplier      = 2.0
	defaultMaxAttempts     = 3
	defaultJitter          = 0.2
)

// Policy implements exponential backoff with jitter.
type Policy struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
	maxAttempts     int
	jitter          float64
	retryable       func(error) bool
	onRetry         func(attempt int, err error)
}

// Option configures a Policy.
type Option func(*Policy)

// WithInitialInterval sets the wait before the second attempt.
func WithInitialInterval(d time.Duration) Option {
	return func(p *Policy) { p.initialInterval = d }
}

// WithMaxInterval caps the wait between attempts.
func WithMaxInterval(d time.Duration) Option {
	return func(p *Policy) { p.maxInterval = d }
}

// WithMultiplier sets the backoff growth factor.
func WithMultiplier(m float64) Option {
	return func(p *Policy) { p.multiplier = m }
}

// WithMaxAttempts sets the total number of attempts, including the first.
// Values below 1 are treated as 1.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		if n < 1 {
			n = 1
		}
		p.maxAttempts = n
	}
}

// WithJitter sets the jitter factor (0.0 to 1.0).
func WithJitter(j float64) Option {
	return func(p *Policy) { p.jitter = j }
}

// WithRetryable sets the predicate deciding which errors are retried.
// The default retries every non-nil error.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) { p.retryable = fn }
}

// WithOnRetry registers a hook called before each retry with the attempt
// number that failed and its error.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(p *Policy) { p.onRetry = fn }
}

// New creates a Policy with default values and optional overrides.
func New(opts ...Option) *Policy {
	p := &Policy{
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		multiplier:      defaultMultiplier,
		maxAttempts:     defaultMaxAttempts,
		jitter:          defaultJitter,
		retryable:       func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts returns the configured attempt budget.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// MaxWait returns the longest total time Do can spend sleeping between
// attempts, with every sleep at the top of its jitter range.
func (p *Policy) MaxWait() time.Duration {
	var total time.Duration
	interval := p.initialInterval
	for i := 1; i < p.maxAttempts; i++ {
		total += time.Duration(float64(interval) * (1 + p.jitter))
		interval = time.Duration(float64(interval) * p.multiplier)
		if interval > p.maxInterval {
			interval = p.maxInterval
		}
	}
	return total
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// attempt budget is spent, or ctx is done. It returns fn's last error, or
// ctx.Err() if the context ended while waiting.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	interval := p.initialInterval

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			if p.onRetry != nil {
				p.onRetry(attempt-1, err)
			}

			jitter := (rand.Float64()*2 - 1) * p.jitter * float64(interval)
			sleep := time.Duration(float64(interval) + jitter)
			if sleep < 0 {
				sleep = 0
			}

			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			interval = time.Duration(float64(interval) * p.multiplier)
			if interval > p.maxInterval {
				interval = p.maxInterval
			}
		}

		err = fn(ctx)
		if err == nil || !p.retryable(err) {
			return err
		}
	}

	return err
}

// DoWithData executes fn with p and returns its value.
func DoWithData[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}
