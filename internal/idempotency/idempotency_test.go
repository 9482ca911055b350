package idempotency_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aicoach/kbcore/internal/idempotency"
)

func newTestState(t *testing.T) *idempotency.State {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return idempotency.New(rdb, idempotency.WithTTL(time.Hour))
}

func TestClaim_FirstCallerSucceedsSecondFails(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t)

	claimed, err := s.Claim(ctx, "task:42:charge")
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.Claim(ctx, "task:42:charge")
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestExists_ReflectsClaimState(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t)

	exists, err := s.Exists(ctx, "task:1:charge")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = s.Claim(ctx, "task:1:charge")
	require.NoError(t, err)

	exists, err = s.Exists(ctx, "task:1:charge")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRelease_AllowsReClaim(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t)

	_, err := s.Claim(ctx, "task:1:charge")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "task:1:charge"))

	claimed, err := s.Claim(ctx, "task:1:charge")
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestWithClaim_RunsOnceAndReleasesOnFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t)

	ran, err := s.WithClaim(ctx, "task:1:charge", func(ctx context.Context) error {
		return errors.New("charge failed")
	})
	require.True(t, ran)
	require.Error(t, err)

	exists, err := s.Exists(ctx, "task:1:charge")
	require.NoError(t, err)
	require.False(t, exists, "failed claim should be released")
}

func TestSetValueGetValue_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t)

	claimed, err := s.SetValue(ctx, "ask:failed:rid-1", "insufficient_credits")
	require.NoError(t, err)
	require.True(t, claimed)

	value, ok, err := s.GetValue(ctx, "ask:failed:rid-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "insufficient_credits", value)

	_, ok, err = s.GetValue(ctx, "ask:failed:missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWithClaim_SecondCallSkipped(t *testing.T) {
	ctx := context.Background()
	s := newTestState(t)
	calls := 0

	fn := func(ctx context.Context) error {
		calls++
		return nil
	}

	ran1, err := s.WithClaim(ctx, "task:1:charge", fn)
	require.NoError(t, err)
	require.True(t, ran1)

	ran2, err := s.WithClaim(ctx, "task:1:charge", fn)
	require.NoError(t, err)
	require.False(t, ran2)
	require.Equal(t, 1, calls)
}
