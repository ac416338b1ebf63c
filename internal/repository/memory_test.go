package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCoordinator(t *testing.T) {
	repo := NewMemoryCoordinator(50 * time.Millisecond)
	ctx := context.Background()

	t.Run("Lock", func(t *testing.T) {
		unlock, err := repo.Lock(ctx, "k", time.Minute)
		require.NoError(t, err)

		_, err = repo.Lock(ctx, "k", time.Minute)
		assert.ErrorIs(t, err, ErrLockBusy)

		other, err := repo.Lock(ctx, "other", time.Minute)
		require.NoError(t, err)
		require.NoError(t, other(ctx))

		require.NoError(t, unlock(ctx))
		unlock, err = repo.Lock(ctx, "k", time.Minute)
		require.NoError(t, err)
		require.NoError(t, unlock(ctx))
	})

	t.Run("ExpiredLock", func(t *testing.T) {
		now := time.Now()
		repo.now = func() time.Time { return now }
		defer func() { repo.now = time.Now }()

		stale, err := repo.Lock(ctx, "ttl", time.Second)
		require.NoError(t, err)

		now = now.Add(2 * time.Second)
		fresh, err := repo.Lock(ctx, "ttl", time.Second)
		require.NoError(t, err)

		require.NoError(t, stale(ctx))
		_, err = repo.Lock(ctx, "ttl", time.Second)
		assert.ErrorIs(t, err, ErrLockBusy, "stale unlock must not free the new owner")
		require.NoError(t, fresh(ctx))
	})

	t.Run("RateLimit", func(t *testing.T) {
		now := time.Now()
		repo.now = func() time.Time { return now }
		defer func() { repo.now = time.Now }()

		userID := int64(456)
		allowed, _ := repo.CheckRateLimit(ctx, userID, 2, time.Second)
		assert.True(t, allowed)
		allowed, _ = repo.CheckRateLimit(ctx, userID, 2, time.Second)
		assert.True(t, allowed)
		allowed, _ = repo.CheckRateLimit(ctx, userID, 2, time.Second)
		assert.False(t, allowed)

		now = now.Add(time.Second + 10*time.Millisecond)
		allowed, _ = repo.CheckRateLimit(ctx, userID, 2, time.Second)
		assert.True(t, allowed)
	})
}
