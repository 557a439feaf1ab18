package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
	"github.com/cch-gateway/cch-gateway/gatewayerr"
)

// Limiter evaluates and reserves quota across every window in
// core.CheckOrder and settles leases once a request's actual cost is
// known.
type Limiter struct {
	store  *Store
	logger *zap.Logger
}

func NewLimiter(store *Store, logger *zap.Logger) *Limiter {
	return &Limiter{store: store, logger: logger.With(zap.String("component", "ratelimit"))}
}

// failClosedWindows fail the request when Redis is unreachable rather
// than allowing it through. See DESIGN.md open question 1: only the
// lifetime total-cost ceiling is unrecoverable enough to warrant denying
// by default during an outage.
var failClosedWindows = map[core.Window]bool{
	core.WindowTotal: true,
}

// Check walks core.CheckOrder, evaluating and (for cost windows)
// reserving quota for estimatedCost. It stops at the first violated
// window and returns a RATE_LIMIT_* gatewayerr.Error. On success it
// returns every lease it reserved, which the caller must append to
// RequestContext.RateLimitLeases so Settle can reconcile them later, even
// if the client later aborts.
func (l *Limiter) Check(ctx context.Context, key *core.Key, user *core.User, estimatedCost float64) ([]core.RateLimitLease, *gatewayerr.Error) {
	keyLimits := core.LimitsFromKey(key)
	userLimits := core.LimitsFromUser(user)

	var leases []core.RateLimitLease
	var concurrencyTracked bool
	var concurrencyKeyID, concurrencyUserID int64

	rollback := func() {
		l.rollback(ctx, leases)
		if concurrencyTracked {
			if err := l.store.DecrConcurrentPair(ctx, concurrencyKeyID, concurrencyUserID); err != nil {
				l.logger.Warn("failed to roll back concurrency tracking after a later window rejected the request", zap.Error(err))
			}
		}
	}

	for _, entry := range core.CheckOrder {
		if entry.Window == core.WindowConcurrent {
			// CheckOrder lists the key and user concurrency entries back to
			// back; both are resolved together by the one atomic call below,
			// so the second entry is a no-op.
			if entry.Subject != core.SubjectKey {
				continue
			}
			var keyID int64
			if key != nil {
				keyID = key.ID
			}
			var userID int64
			if user != nil {
				userID = user.ID
			}
			rejection, tracked, err := l.checkAndTrackConcurrent(ctx, keyID, userID, keyLimits, userLimits)
			if err != nil {
				l.logger.Warn("concurrency check failed open", zap.Error(err))
				continue
			}
			if rejection != nil {
				rollback()
				return nil, rateLimitErr(entry.Window, *rejection)
			}
			if tracked {
				concurrencyTracked = true
				concurrencyKeyID, concurrencyUserID = keyID, userID
			}
			continue
		}

		id, limits := l.resolve(entry.Subject, key, user, keyLimits, userLimits)
		if id == 0 {
			continue
		}
		switch entry.Window {
		case core.WindowRPM:
			if rejection := l.checkRPM(ctx, entry.Subject, id, limits); rejection != nil {
				rollback()
				return nil, rateLimitErr(entry.Window, *rejection)
			}
		default:
			lease, rejection, err := l.reserveCostWindow(ctx, entry.Subject, id, entry.Window, limits, estimatedCost)
			if err != nil {
				if failClosedWindows[entry.Window] {
					rollback()
					return nil, gatewayerr.New(gatewayerr.KindRateLimitStoreUnavailable, "rate limit store unavailable").WithCause(err)
				}
				l.logger.Warn("rate limit store unavailable, failing open", zap.String("window", string(entry.Window)), zap.Error(err))
				continue
			}
			if rejection != nil {
				rollback()
				return nil, rateLimitErr(entry.Window, *rejection)
			}
			leases = append(leases, *lease)
		}
	}
	return leases, nil
}

func (l *Limiter) resolve(subject core.Subject, key *core.Key, user *core.User, keyLimits, userLimits core.Limits) (int64, core.Limits) {
	if subject == core.SubjectKey {
		if key == nil {
			return 0, core.Limits{}
		}
		return key.ID, keyLimits
	}
	if user == nil {
		return 0, core.Limits{}
	}
	return user.ID, userLimits
}

func (l *Limiter) checkRPM(ctx context.Context, subject core.Subject, id int64, limits core.Limits) *core.RateLimitRejection {
	if limits.RPM <= 0 {
		return nil
	}
	count, err := l.store.IncrRPM(ctx, subject, id)
	if err != nil {
		l.logger.Warn("rpm check failed open", zap.Error(err))
		return nil
	}
	if count > int64(limits.RPM) {
		return &core.RateLimitRejection{LimitType: "rpm", Current: float64(count), Limit: float64(limits.RPM)}
	}
	return nil
}

// checkAndTrackConcurrent implements "key limit inherits from user limit
// when zero" (an unset per-key concurrency ceiling defers to the user's)
// and performs the check and the increment as the single atomic Redis
// round trip spec §4.2's "CheckAndTrackKeyUserSession" describes
// (ratelimit.Store.CheckAndTrackConcurrent), instead of a read-only check
// here followed by a separate increment elsewhere. tracked reports
// whether either counter was actually incremented, so Check knows whether
// a later window's rejection must roll it back.
func (l *Limiter) checkAndTrackConcurrent(ctx context.Context, keyID, userID int64, keyLimits, userLimits core.Limits) (*core.RateLimitRejection, bool, error) {
	if keyID == 0 && userID == 0 {
		return nil, false, nil
	}
	effectiveKeyLimit := keyLimits.ConcurrentSessions
	if keyID != 0 && effectiveKeyLimit == 0 {
		effectiveKeyLimit = userLimits.ConcurrentSessions
	}
	effectiveUserLimit := userLimits.ConcurrentSessions

	result, err := l.store.CheckAndTrackConcurrent(ctx, keyID, userID, effectiveKeyLimit, effectiveUserLimit)
	if err != nil {
		return nil, false, err
	}
	switch {
	case result.KeyBreach:
		return &core.RateLimitRejection{LimitType: "concurrent", Current: float64(result.KeyCount), Limit: float64(effectiveKeyLimit)}, false, nil
	case result.UserBreach:
		return &core.RateLimitRejection{LimitType: "concurrent", Current: float64(result.UserCount), Limit: float64(effectiveUserLimit)}, false, nil
	}
	return nil, true, nil
}

func windowLimit(window core.Window, limits core.Limits) float64 {
	switch window {
	case core.Window5h:
		return limits.Usd5h
	case core.WindowDaily:
		return limits.UsdDaily
	case core.WindowWeekly:
		return limits.UsdWeekly
	case core.WindowMonthly:
		return limits.UsdMonthly
	case core.WindowTotal:
		return limits.UsdTotal
	default:
		return 0
	}
}

// reserveCostWindow implements the lease protocol: reserve first, then
// check; if the reservation pushed the total over the ceiling, roll it
// back and reject. This trades a harmless over-count under concurrent
// load at the ceiling for never under-counting.
func (l *Limiter) reserveCostWindow(ctx context.Context, subject core.Subject, id int64, window core.Window, limits core.Limits, estimatedCost float64) (*core.RateLimitLease, *core.RateLimitRejection, error) {
	limit := windowLimit(window, limits)
	if limit <= 0 {
		return &core.RateLimitLease{LeaseID: "", Subject: subject, ScopeID: id, Window: window, Reserved: 0}, nil, nil
	}
	total, err := l.store.ReserveCost(ctx, window, subject, id, estimatedCost)
	if err != nil {
		return nil, nil, err
	}
	if total > limit {
		if rbErr := l.store.ReleaseCost(ctx, window, subject, id, estimatedCost); rbErr != nil {
			l.logger.Warn("failed to roll back rejected lease", zap.Error(rbErr))
		}
		return nil, &core.RateLimitRejection{LimitType: string(window), Current: total, Limit: limit}, nil
	}
	lease := &core.RateLimitLease{
		LeaseID:  newLeaseID(),
		Subject:  subject,
		ScopeID:  id,
		Window:   window,
		Reserved: estimatedCost,
		ExpireAt: time.Now().Add(windowTTL(window)),
	}
	if err := l.store.PersistLease(ctx, window, subject, id, lease.LeaseID, estimatedCost); err != nil {
		l.logger.Warn("failed to persist lease marker, reconciliation scan won't see it", zap.Error(err))
	}
	return lease, nil, nil
}

func (l *Limiter) rollback(ctx context.Context, leases []core.RateLimitLease) {
	for _, lease := range leases {
		if lease.Reserved == 0 {
			continue
		}
		if err := l.store.ReleaseCost(ctx, lease.Window, lease.Subject, lease.ScopeID, lease.Reserved); err != nil {
			l.logger.Warn("failed to roll back lease after a later window rejected the request", zap.Error(err))
		}
		if lease.LeaseID != "" {
			if err := l.store.DeleteLease(ctx, lease.Window, lease.Subject, lease.ScopeID, lease.LeaseID); err != nil {
				l.logger.Warn("failed to delete rolled-back lease marker", zap.Error(err))
			}
		}
	}
}

// Settle reconciles every lease reserved for a request against its actual
// cost once the response is known: adjustment = actualCost - reserved,
// applied once per window so over-reservation is refunded and
// under-reservation is charged. Must run from a defer so it executes even
// on client abort (spec §4.2 "Lease reconciliation").
func (l *Limiter) Settle(ctx context.Context, leases []core.RateLimitLease, actualCost float64) {
	if len(leases) == 0 {
		return
	}
	// Each window independently counts the request's full actualCost, so
	// every lease is adjusted by actualCost minus what that lease reserved.
	for _, lease := range leases {
		if lease.LeaseID == "" {
			continue
		}
		settleCtx := contextWithoutCancel(ctx)
		adjustment := actualCost - lease.Reserved
		if adjustment != 0 {
			if _, err := l.store.ReserveCost(settleCtx, lease.Window, lease.Subject, lease.ScopeID, adjustment); err != nil {
				l.logger.Warn("lease settlement failed", zap.String("window", string(lease.Window)), zap.Error(err))
			}
		}
		if err := l.store.DeleteLease(settleCtx, lease.Window, lease.Subject, lease.ScopeID, lease.LeaseID); err != nil {
			l.logger.Warn("failed to delete settled lease marker", zap.Error(err))
		}
	}
}

// contextWithoutCancel strips cancellation so settlement still completes
// after the request's own context has been cancelled by client abort.
func contextWithoutCancel(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func rateLimitErr(window core.Window, rejection core.RateLimitRejection) *gatewayerr.Error {
	kind := gatewayerr.RateLimitKind(string(window))
	e := gatewayerr.New(kind, "rate limit exceeded").
		WithDetail("limitType", rejection.LimitType).
		WithDetail("current", rejection.Current).
		WithDetail("limit", rejection.Limit)
	if rejection.ResetAt != nil {
		e = e.WithDetail("resetAt", rejection.ResetAt.Format(time.RFC3339))
	}
	return e
}
