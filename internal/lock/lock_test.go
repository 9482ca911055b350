package lock_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aicoach/kbcore/internal/lock"
)

func TestCache_GetReturnsSameMutexForSameKey(t *testing.T) {
	c := lock.NewCache()
	a := c.Get("kb_global")
	b := c.Get("kb_global")
	require.Same(t, a, b)
}

func TestCache_GetReturnsDistinctMutexForDifferentKeys(t *testing.T) {
	c := lock.NewCache()
	a := c.Get("kb_global")
	b := c.Get("kb_profile_1")
	require.NotSame(t, a, b)
	require.Equal(t, 2, c.Len())
}

func newRedisLock(t *testing.T) *lock.RedisLock {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return lock.NewRedisLock(rdb)
}

func TestRedisLock_AcquireThenBlocksSecondCaller(t *testing.T) {
	ctx := context.Background()
	l := newRedisLock(t)

	token, ok, err := l.Acquire(ctx, "kb_global")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := l.Acquire(ctx, "kb_global")
	require.NoError(t, err)
	require.False(t, ok2)

	require.NoError(t, l.Release(ctx, "kb_global", token))

	_, ok3, err := l.Acquire(ctx, "kb_global")
	require.NoError(t, err)
	require.True(t, ok3)
}

func TestRedisLock_ReleaseIsNoopWithWrongToken(t *testing.T) {
	ctx := context.Background()
	l := newRedisLock(t)

	_, ok, err := l.Acquire(ctx, "kb_global")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "kb_global", "not-the-real-token"))

	_, ok2, err := l.Acquire(ctx, "kb_global")
	require.NoError(t, err)
	require.False(t, ok2, "lock should still be held since release used the wrong token")
}

func TestRedisLock_WithLockRunsFnOnlyWhenAcquired(t *testing.T) {
	ctx := context.Background()
	l := newRedisLock(t)

	ran, err := l.WithLock(ctx, "kb_global", func(ctx context.Context) error {
		_, inner, err := l.Acquire(ctx, "kb_global")
		_ = inner
		return err
	})
	require.NoError(t, err)
	require.True(t, ran)

	// lock released after WithLock returns
	_, ok, err := l.Acquire(ctx, "kb_global")
	require.NoError(t, err)
	require.True(t, ok)
}
