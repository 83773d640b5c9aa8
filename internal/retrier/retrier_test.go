package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errConflict = errors.New("conflict")

func TestRetrier_Do(t *testing.T) {
	t.Run("success on first attempt", func(t *testing.T) {
		r := New()
		attempts := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("success after retries", func(t *testing.T) {
		r := New(WithMaxAttempts(3), WithInitialInterval(time.Millisecond))
		attempts := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errConflict
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("fail after max attempts", func(t *testing.T) {
		r := New(WithMaxAttempts(2), WithInitialInterval(time.Millisecond))
		attempts := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return errConflict
		})
		assert.ErrorIs(t, err, errConflict)
		assert.Equal(t, 2, attempts)
	})

	t.Run("non retryable error stops immediately", func(t *testing.T) {
		r := New(WithMaxAttempts(5), WithInitialInterval(time.Millisecond),
			WithRetryable(func(err error) bool { return errors.Is(err, errConflict) }))
		attempts := 0
		fatal := errors.New("insufficient")
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return fatal
		})
		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, attempts)
	})

	t.Run("context cancellation", func(t *testing.T) {
		r := New(WithMaxAttempts(5), WithInitialInterval(100*time.Millisecond))
		ctx, cancel := context.WithCancel(context.Background())

		attempts := 0
		err := r.Do(ctx, func(ctx context.Context) error {
			attempts++
			if attempts == 2 {
				cancel()
			}
			return errConflict
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, attempts)
	})
}

func TestRetrier_DoWithData(t *testing.T) {
	r := New(WithMaxAttempts(2), WithInitialInterval(time.Millisecond))
	calls := 0
	val, err := DoWithData(r, context.Background(), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errConflict
		}
		return "ok", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", val)
}
