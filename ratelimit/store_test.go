package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cch-gateway/cch-gateway/core"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewStore(client)
}

func TestStore_CheckAndTrackConcurrent_AllowsAndIncrementsBothSides(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	result, err := s.CheckAndTrackConcurrent(ctx, 1, 2, 5, 5)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.False(t, result.KeyBreach)
	assert.False(t, result.UserBreach)

	keyCount, err := s.GetConcurrent(ctx, core.SubjectKey, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), keyCount)

	userCount, err := s.GetConcurrent(ctx, core.SubjectUser, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), userCount)
}

func TestStore_CheckAndTrackConcurrent_RejectsAtCeilingWithoutIncrementing(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.redis.Set(ctx, s.concurrentKey(core.SubjectKey, 1), 3, 0).Err())

	result, err := s.CheckAndTrackConcurrent(ctx, 1, 2, 3, 0)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.True(t, result.KeyBreach)
	assert.Equal(t, int64(3), result.KeyCount)

	// A rejected check must not have incremented either counter.
	keyCount, err := s.GetConcurrent(ctx, core.SubjectKey, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), keyCount)

	userCount, err := s.GetConcurrent(ctx, core.SubjectUser, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), userCount)
}

func TestStore_CheckAndTrackConcurrent_RejectsOnUserCeiling(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.redis.Set(ctx, s.concurrentKey(core.SubjectUser, 2), 1, 0).Err())

	result, err := s.CheckAndTrackConcurrent(ctx, 1, 2, 0, 1)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.True(t, result.UserBreach)

	keyCount, err := s.GetConcurrent(ctx, core.SubjectKey, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), keyCount, "the key side must not be incremented when the user side rejects")
}

func TestStore_CheckAndTrackConcurrent_ZeroLimitMeansUnlimitedButStillTracked(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		result, err := s.CheckAndTrackConcurrent(ctx, 1, 2, 0, 0)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	keyCount, err := s.GetConcurrent(ctx, core.SubjectKey, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), keyCount, "an unlimited ceiling must still be tracked for introspection")
}

func TestStore_CheckAndTrackConcurrent_SkipsSideWithNoID(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	result, err := s.CheckAndTrackConcurrent(ctx, 0, 2, 0, 5)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	userCount, err := s.GetConcurrent(ctx, core.SubjectUser, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), userCount)
}

func TestStore_DecrConcurrentPair(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := s.CheckAndTrackConcurrent(ctx, 1, 2, 5, 5)
	require.NoError(t, err)

	require.NoError(t, s.DecrConcurrentPair(ctx, 1, 2))

	keyCount, err := s.GetConcurrent(ctx, core.SubjectKey, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), keyCount)

	userCount, err := s.GetConcurrent(ctx, core.SubjectUser, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), userCount)
}
