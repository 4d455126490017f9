package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("transient then success", func(t *testing.T) {
		calls := 0
		var retried []int
		err := policy.Do(context.Background(), func(attempt int, err error) { retried = append(retried, attempt) }, func(context.Context) error {
			calls++
			if calls < 3 {
				return Transient(nil, "busy")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, retried)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), nil, func(context.Context) error {
			calls++
			return Transient(nil, "busy")
		})
		assert.Equal(t, KindTransient, KindOf(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("non transient is not retried", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), nil, func(context.Context) error {
			calls++
			return Unavailable(nil, "missing")
		})
		assert.Equal(t, KindCapabilityUnavailable, KindOf(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("no retries", func(t *testing.T) {
		calls := 0
		err := RetryPolicy{}.Do(context.Background(), nil, func(context.Context) error {
			calls++
			return Transient(nil, "busy")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
