package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
	"github.com/cch-gateway/cch-gateway/gatewayerr"
)

func setupTestLimiter(t *testing.T) (*miniredis.Miniredis, *Limiter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(client)
	return mr, NewLimiter(store, zap.NewNop())
}

func TestLimiter_RPMRejectsOverThreshold(t *testing.T) {
	mr, l := setupTestLimiter(t)
	defer mr.Close()

	key := &core.Key{ID: 1}
	user := &core.User{ID: 1, RPM: 2}
	ctx := context.Background()

	_, err := l.Check(ctx, key, user, 0)
	require.Nil(t, err)
	_, err = l.Check(ctx, key, user, 0)
	require.Nil(t, err)

	_, err = l.Check(ctx, key, user, 0)
	require.NotNil(t, err)
	assert.Equal(t, gatewayerr.KindRateLimitRPM, err.Kind)
	assert.Equal(t, 429, err.HTTPStatus)
}

func TestLimiter_ConcurrentKeyInheritsUserLimitWhenZero(t *testing.T) {
	mr, l := setupTestLimiter(t)
	defer mr.Close()

	key := &core.Key{ID: 1, LimitConcurrentSessions: 0}
	user := &core.User{ID: 1, LimitConcurrentSessions: 1}
	ctx := context.Background()

	require.NoError(t, l.store.redis.Set(ctx, l.store.concurrentKey(core.SubjectKey, 1), 1, 0).Err())

	_, err := l.Check(ctx, key, user, 0)
	require.NotNil(t, err)
	assert.Equal(t, gatewayerr.KindRateLimitConcurrent, err.Kind)
}

func TestLimiter_ConcurrentCheckTracksAtomically(t *testing.T) {
	mr, l := setupTestLimiter(t)
	defer mr.Close()
	ctx := context.Background()

	key := &core.Key{ID: 1, LimitConcurrentSessions: 5}
	user := &core.User{ID: 1, LimitConcurrentSessions: 5}

	_, err := l.Check(ctx, key, user, 0)
	require.Nil(t, err)

	keyCount, getErr := l.store.GetConcurrent(ctx, core.SubjectKey, 1)
	require.NoError(t, getErr)
	assert.Equal(t, int64(1), keyCount, "Check must track the session itself, atomically with its own limit check")

	userCount, getErr := l.store.GetConcurrent(ctx, core.SubjectUser, 1)
	require.NoError(t, getErr)
	assert.Equal(t, int64(1), userCount)
}

func TestLimiter_ConcurrentTrackingRolledBackWhenLaterWindowRejects(t *testing.T) {
	mr, l := setupTestLimiter(t)
	defer mr.Close()
	ctx := context.Background()

	key := &core.Key{ID: 1, LimitConcurrentSessions: 5, LimitUsdDaily: 1.0}
	user := &core.User{ID: 1, LimitConcurrentSessions: 5}

	_, err := l.Check(ctx, key, user, 2.0)
	require.NotNil(t, err, "the daily cost window must reject a reservation over its ceiling")
	assert.Equal(t, gatewayerr.KindRateLimitDaily, err.Kind)

	keyCount, getErr := l.store.GetConcurrent(ctx, core.SubjectKey, 1)
	require.NoError(t, getErr)
	assert.Equal(t, int64(0), keyCount, "concurrency tracked earlier in the same Check call must be rolled back when a later window rejects")
}

func TestLimiter_CostWindowRejectsAndRollsBackReservation(t *testing.T) {
	mr, l := setupTestLimiter(t)
	defer mr.Close()
	ctx := context.Background()

	key := &core.Key{ID: 1, LimitUsdDaily: 1.0}
	user := &core.User{ID: 1}

	_, err := l.Check(ctx, key, user, 0.6)
	require.Nil(t, err)

	_, err = l.Check(ctx, key, user, 0.6)
	require.NotNil(t, err)
	assert.Equal(t, gatewayerr.KindRateLimitDaily, err.Kind)

	usage, getErr := l.store.GetCostUsage(ctx, core.WindowDaily, core.SubjectKey, 1)
	require.NoError(t, getErr)
	assert.InDelta(t, 0.6, usage, 0.0001, "the rejected reservation must be rolled back, leaving only the first lease")
}

func TestLimiter_SettleReconcilesActualCost(t *testing.T) {
	mr, l := setupTestLimiter(t)
	defer mr.Close()
	ctx := context.Background()

	key := &core.Key{ID: 1, LimitUsdDaily: 10.0}
	user := &core.User{ID: 1}

	leases, err := l.Check(ctx, key, user, 1.0)
	require.Nil(t, err)
	require.Len(t, leases, 1)

	l.Settle(ctx, leases, 0.4)

	usage, getErr := l.store.GetCostUsage(ctx, core.WindowDaily, core.SubjectKey, 1)
	require.NoError(t, getErr)
	assert.InDelta(t, 0.4, usage, 0.0001, "settlement must refund the difference between reserved and actual cost")
}

func TestLimiter_TotalWindowFailsClosedWhenStoreUnavailable(t *testing.T) {
	mr, l := setupTestLimiter(t)
	mr.Close()

	key := &core.Key{ID: 1, LimitUsdTotal: 10.0}
	user := &core.User{ID: 1}

	_, err := l.Check(context.Background(), key, user, 1.0)
	require.NotNil(t, err)
	assert.Equal(t, gatewayerr.KindRateLimitStoreUnavailable, err.Kind)
}

func TestLimiter_NonCostWindowFailsOpenWhenStoreUnavailable(t *testing.T) {
	mr, l := setupTestLimiter(t)
	mr.Close()

	key := &core.Key{ID: 1}
	user := &core.User{ID: 1, RPM: 1}

	_, err := l.Check(context.Background(), key, user, 0)
	require.Nil(t, err, "RPM checks must fail open when the rate limit store is unreachable")
}

func TestWindowTTL(t *testing.T) {
	assert.Equal(t, 5*time.Hour, windowTTL(core.Window5h))
	assert.Equal(t, time.Duration(0), windowTTL(core.WindowTotal))
}
