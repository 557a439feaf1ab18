package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
)

// staleLeaseAfter is how long a persisted lease marker must have lived
// before the reconciliation scan treats it as abandoned rather than an
// in-flight request that simply hasn't finished yet.
const staleLeaseAfter = 45 * time.Second

// Reconciler periodically finds rate-limit leases that were never settled
// or rolled back (the request's process crashed or was killed mid-flight)
// and reverses their reservation, per spec §4.2 "An expired/unused lease
// is background-reconciled by a periodic scan."
type Reconciler struct {
	store  *Store
	logger *zap.Logger
}

func NewReconciler(store *Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger.With(zap.String("component", "ratelimit_reconciler"))}
}

// Run ticks every interval until ctx is cancelled. Intended to be started
// once as a background goroutine at process boot.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	stale, err := r.store.ScanStaleLeases(ctx, staleLeaseAfter)
	if err != nil {
		r.logger.Warn("stale lease scan failed", zap.Error(err))
		return
	}
	for _, lease := range stale {
		if err := r.store.ReleaseCost(ctx, lease.Window, lease.Subject, lease.ID, lease.Amount); err != nil {
			r.logger.Warn("failed to release abandoned lease", zap.Error(err),
				zap.String("window", string(lease.Window)), zap.String("subject", string(lease.Subject)), zap.Int64("id", lease.ID))
			continue
		}
		if err := r.store.DeleteLease(ctx, lease.Window, lease.Subject, lease.ID, lease.LeaseID); err != nil {
			r.logger.Warn("failed to delete reconciled lease marker", zap.Error(err))
		}
		r.logger.Warn("reconciled abandoned rate-limit lease",
			zap.String("window", string(lease.Window)), zap.String("subject", string(lease.Subject)),
			zap.Int64("id", lease.ID), zap.Float64("amount", lease.Amount))
	}
}

// Ledger is the database of record for a subject's actual spend over a
// window, consulted by DBRefresher to correct Redis counters for lost
// leases or misaccounting. It is a narrow read-only slice of the
// message_request ledger the repository package owns.
type Ledger interface {
	SumCost(ctx context.Context, subject core.Subject, id int64, window core.Window, since time.Time) (float64, error)
}

// refreshWindows are the cost windows the DB refresh pass corrects; RPM
// and concurrency are live gauges with no ledger analogue.
var refreshWindows = []core.Window{core.Window5h, core.WindowDaily, core.WindowWeekly, core.WindowMonthly, core.WindowTotal}

// DBRefresher implements spec §4.2 "DB refresh": every
// quotaDbRefreshIntervalSeconds, recompute each active Redis cost counter
// from the ledger and snap it up to max(redisValue, dbValue), correcting
// for leases lost to a crash that outlived even the reconciliation scan's
// staleness window, or any other drift between Redis and the ledger.
type DBRefresher struct {
	store  *Store
	ledger Ledger
	logger *zap.Logger
}

func NewDBRefresher(store *Store, ledger Ledger, logger *zap.Logger) *DBRefresher {
	return &DBRefresher{store: store, ledger: ledger, logger: logger.With(zap.String("component", "ratelimit_db_refresher"))}
}

// Run ticks every interval until ctx is cancelled.
func (d *DBRefresher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshOnce(ctx)
		}
	}
}

func (d *DBRefresher) refreshOnce(ctx context.Context) {
	if d.ledger == nil {
		return
	}
	for _, window := range refreshWindows {
		subjects, err := d.store.ScanActiveCostSubjects(ctx, window)
		if err != nil {
			d.logger.Warn("active subject scan failed", zap.String("window", string(window)), zap.Error(err))
			continue
		}
		since := time.Time{}
		if lookback := core.WindowLookback(window); lookback > 0 {
			since = time.Now().Add(-lookback)
		}
		for _, subj := range subjects {
			dbValue, err := d.ledger.SumCost(ctx, subj.Subject, subj.ID, window, since)
			if err != nil {
				d.logger.Warn("ledger sum failed", zap.String("window", string(window)), zap.Int64("id", subj.ID), zap.Error(err))
				continue
			}
			if err := d.store.SetCostFloor(ctx, window, subj.Subject, subj.ID, dbValue); err != nil {
				d.logger.Warn("failed to apply db refresh floor", zap.String("window", string(window)), zap.Int64("id", subj.ID), zap.Error(err))
			}
		}
	}
}
