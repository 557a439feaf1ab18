package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestTracker(t *testing.T) (*miniredis.Miniredis, *Tracker) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewTracker(client, time.Minute, zap.NewNop())
}

func TestTracker_IncrementDecrementConcurrent(t *testing.T) {
	mr, tr := setupTestTracker(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, tr.IncrementConcurrent(ctx, 10, 20))
	require.NoError(t, tr.IncrementConcurrent(ctx, 10, 20))

	keyCount, err := tr.GetKeySessionCount(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), keyCount)

	userCount, err := tr.GetActiveSessions(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(2), userCount)

	tr.DecrementConcurrent(ctx, 10, 20)

	keyCount, err = tr.GetKeySessionCount(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), keyCount)
}

func TestTracker_AssignSessionStickyOnFirstRequest(t *testing.T) {
	mr, tr := setupTestTracker(t)
	defer mr.Close()
	ctx := context.Background()

	sess, err := tr.AssignSession(ctx, "sess-1", 42, false)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sess.StickyProviderID)
	assert.Equal(t, int64(1), sess.RequestSequence)

	sess, err = tr.AssignSession(ctx, "sess-1", 99, false)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sess.StickyProviderID, "a later request must not override the sticky provider")
	assert.Equal(t, int64(2), sess.RequestSequence)
}

func TestTracker_LongLivedSessionHasNoTTL(t *testing.T) {
	mr, tr := setupTestTracker(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := tr.AssignSession(ctx, "sess-persist", 1, true)
	require.NoError(t, err)

	ttl := mr.TTL("cch:session:sess-persist")
	assert.Equal(t, time.Duration(0), ttl)
}

func TestTracker_GetMissingSessionReturnsNil(t *testing.T) {
	mr, tr := setupTestTracker(t)
	defer mr.Close()

	sess, err := tr.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, sess)
}
