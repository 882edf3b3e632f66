package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBusy = errors.New("busy")

func fast(opts ...Option) *Policy {
	return New(append([]Option{WithInitialInterval(time.Millisecond), WithMaxInterval(2 * time.Millisecond)}, opts...)...)
}

func TestPolicy_Do(t *testing.T) {
	t.Run("success on first attempt", func(t *testing.T) {
		attempts := 0
		err := fast().Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("success after retries", func(t *testing.T) {
		attempts := 0
		err := fast(WithMaxAttempts(3)).Do(context.Background(), func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errBusy
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("budget exhausted returns last error", func(t *testing.T) {
		attempts := 0
		err := fast(WithMaxAttempts(2)).Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return errBusy
		})
		assert.ErrorIs(t, err, errBusy)
		assert.Equal(t, 2, attempts)
	})

	t.Run("non-retryable error stops immediately", func(t *testing.T) {
		fatal := errors.New("fatal")
		attempts := 0
		p := fast(WithMaxAttempts(5), WithRetryable(func(err error) bool { return errors.Is(err, errBusy) }))
		err := p.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return fatal
		})
		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, attempts)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		p := New(WithMaxAttempts(5), WithInitialInterval(100*time.Millisecond))
		err := p.Do(ctx, func(ctx context.Context) error {
			attempts++
			if attempts == 2 {
				cancel()
			}
			return errBusy
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, attempts)
	})

	t.Run("on retry hook sees each failed attempt", func(t *testing.T) {
		var seen []int
		p := fast(WithMaxAttempts(3), WithOnRetry(func(attempt int, err error) {
			seen = append(seen, attempt)
		}))
		_ = p.Do(context.Background(), func(ctx context.Context) error { return errBusy })
		assert.Equal(t, []int{1, 2}, seen)
	})

	t.Run("max attempts floor", func(t *testing.T) {
		assert.Equal(t, 1, New(WithMaxAttempts(0)).MaxAttempts())
	})
}

func TestDoWithData(t *testing.T) {
	val, err := DoWithData(context.Background(), fast(), func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", val)
}

func TestPolicy_MaxWait(t *testing.T) {
	p := New(
		WithInitialInterval(10*time.Millisecond),
		WithMaxInterval(25*time.Millisecond),
		WithMultiplier(2),
		WithJitter(0.5),
		WithMaxAttempts(4),
	)
	// Sleeps of 10, 20 and 25 (capped), each stretched by half.
	assert.Equal(t, 82500*time.Microsecond, p.MaxWait())

	assert.Zero(t, New(WithMaxAttempts(1)).MaxWait())
}
