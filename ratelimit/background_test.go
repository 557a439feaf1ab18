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
)

func TestReconciler_ReleasesAbandonedLease(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(client)
	ctx := context.Background()

	_, err = store.ReserveCost(ctx, core.WindowDaily, core.SubjectKey, 1, 0.5)
	require.NoError(t, err)
	require.NoError(t, store.PersistLease(ctx, core.WindowDaily, core.SubjectKey, 1, "lease-1", 0.5))

	// Not yet stale: a lease younger than staleLeaseAfter must survive.
	reconciler := NewReconciler(store, zap.NewNop())
	reconciler.reconcileOnce(ctx)
	usage, err := store.GetCostUsage(ctx, core.WindowDaily, core.SubjectKey, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, usage, 0.0001, "a fresh lease must not be reconciled away")

	mr.FastForward(leaseTTL - staleLeaseAfter + time.Second)

	reconciler.reconcileOnce(ctx)
	usage, err = store.GetCostUsage(ctx, core.WindowDaily, core.SubjectKey, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0, usage, 0.0001, "an abandoned lease must be released back to the counter")

	stale, err := store.ScanStaleLeases(ctx, staleLeaseAfter)
	require.NoError(t, err)
	assert.Empty(t, stale, "the lease marker must be deleted once reconciled")
}

func TestReconciler_SettledLeaseIsNeverReconciled(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(client)
	limiter := NewLimiter(store, zap.NewNop())
	ctx := context.Background()

	key := &core.Key{ID: 1, LimitUsdDaily: 10.0}
	user := &core.User{ID: 1}

	leases, gwErr := limiter.Check(ctx, key, user, 1.0)
	require.Nil(t, gwErr)
	limiter.Settle(ctx, leases, 0.4)

	mr.FastForward(leaseTTL + time.Second)

	reconciler := NewReconciler(store, zap.NewNop())
	reconciler.reconcileOnce(ctx)

	usage, err := store.GetCostUsage(ctx, core.WindowDaily, core.SubjectKey, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, usage, 0.0001, "a settled lease must not be touched again by the reconciler")
}

type fakeLedger struct {
	sums map[string]float64
}

func (f *fakeLedger) SumCost(_ context.Context, subject core.Subject, id int64, window core.Window, _ time.Time) (float64, error) {
	return f.sums[string(subject)+string(window)], nil
}

func TestDBRefresher_RaisesCounterToLedgerFloor(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(client)
	ctx := context.Background()

	_, err = store.ReserveCost(ctx, core.WindowDaily, core.SubjectKey, 1, 0.1)
	require.NoError(t, err)

	ledger := &fakeLedger{sums: map[string]float64{"keydaily": 5.0}}
	refresher := NewDBRefresher(store, ledger, zap.NewNop())
	refresher.refreshOnce(ctx)

	usage, err := store.GetCostUsage(ctx, core.WindowDaily, core.SubjectKey, 1)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, usage, 0.0001, "db refresh must raise a drifted-low counter to the ledger value")
}

func TestDBRefresher_NeverLowersCounter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(client)
	ctx := context.Background()

	_, err = store.ReserveCost(ctx, core.WindowDaily, core.SubjectKey, 1, 9.0)
	require.NoError(t, err)

	ledger := &fakeLedger{sums: map[string]float64{"keydaily": 5.0}}
	refresher := NewDBRefresher(store, ledger, zap.NewNop())
	refresher.refreshOnce(ctx)

	usage, err := store.GetCostUsage(ctx, core.WindowDaily, core.SubjectKey, 1)
	require.NoError(t, err)
	assert.InDelta(t, 9.0, usage, 0.0001, "db refresh must never lower a Redis counter below what it already tracks")
}
