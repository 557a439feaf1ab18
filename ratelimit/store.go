// Package ratelimit implements the multi-dimensional, Redis-backed rate
// and cost limiter described in spec §4.2: a fixed-order walk over
// per-key and per-user windows (RPM, concurrency, 5h/daily/weekly/monthly/
// total cost), a lease-and-reconcile protocol for cost windows so a
// request's estimated cost is reserved before it is sent upstream and
// settled against its actual cost afterward, and a periodic refresh that
// reconciles the in-Redis counters against the database of record.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cch-gateway/cch-gateway/core"
)

// Redis keyspace, per spec §6 "Persisted state layout".
const (
	keyRPM        = "cch:quota:rpm:%s:%d"
	keyConcurrent = "cch:quota:concurrent:%s:%d"
	keyCostWindow = "cch:quota:%s:%s:%d"             // window, subject, id
	keyLease      = "cch:quota:lease:%s:%d:%s:%s"    // subject, id, window, leaseId
	leasePrefix   = "cch:quota:lease:"
	leaseTTL      = 3 * time.Minute
)

// windowTTL returns the expiry that ReserveCost and SetCostFloor set on a
// cost-window counter key each time they write it; no other reset is
// applied to the counter.
func windowTTL(w core.Window) time.Duration {
	switch w {
	case core.Window5h:
		return 5 * time.Hour
	case core.WindowDaily:
		return 25 * time.Hour
	case core.WindowWeekly:
		return 8 * 24 * time.Hour
	case core.WindowMonthly:
		return 32 * 24 * time.Hour
	case core.WindowTotal:
		return 0 // never expires
	default:
		return 0
	}
}

type Store struct {
	redis *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{redis: client}
}

func (s *Store) rpmKey(subject core.Subject, id int64) string {
	return fmt.Sprintf(keyRPM, subject, id)
}

func (s *Store) concurrentKey(subject core.Subject, id int64) string {
	return fmt.Sprintf(keyConcurrent, subject, id)
}

func (s *Store) costKey(window core.Window, subject core.Subject, id int64) string {
	return fmt.Sprintf(keyCostWindow, window, subject, id)
}

// IncrRPM increments the fixed one-minute RPM counter and returns the
// post-increment value.
func (s *Store) IncrRPM(ctx context.Context, subject core.Subject, id int64) (int64, error) {
	key := s.rpmKey(subject, id)
	pipe := s.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// GetConcurrent returns the current concurrent-session count for a subject.
func (s *Store) GetConcurrent(ctx context.Context, subject core.Subject, id int64) (int64, error) {
	v, err := s.redis.Get(ctx, s.concurrentKey(subject, id)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

// DecrConcurrent decrements the concurrent-session counter for one subject.
func (s *Store) DecrConcurrent(ctx context.Context, subject core.Subject, id int64) error {
	return s.redis.Decr(ctx, s.concurrentKey(subject, id)).Err()
}

// DecrConcurrentPair undoes a CheckAndTrackConcurrent increment when a
// later window in the same Limiter.Check call rejects the request, in one
// round trip. A zero id means that side was never incremented.
func (s *Store) DecrConcurrentPair(ctx context.Context, keyID, userID int64) error {
	pipe := s.redis.Pipeline()
	if keyID != 0 {
		pipe.Decr(ctx, s.concurrentKey(core.SubjectKey, keyID))
	}
	if userID != 0 {
		pipe.Decr(ctx, s.concurrentKey(core.SubjectUser, userID))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// checkAndTrackConcurrentScript atomically evaluates both the key and the
// user concurrency ceiling against their current counters and, for
// whichever side has a real id, increments it in the same round trip. A
// limit of 0 means that side is unlimited: its counter is still read and
// incremented (so introspection stays accurate) but never rejects.
// Splitting this into a read (GetConcurrent) followed by a separate INCR
// lets two requests arriving at current == limit-1 both pass the read
// before either increments, which is exactly the race spec §4.2's
// "CheckAndTrackKeyUserSession" primitive exists to close.
//
// Returns {code, keyCount, userCount}: code 1 means allowed (and tracked),
// 0 means the key ceiling was hit, 2 means the user ceiling was hit. counts
// are the pre-increment values so a rejection can report the count that
// caused it.
var checkAndTrackConcurrentScript = redis.NewScript(`
local keyLimit = tonumber(ARGV[1])
local userLimit = tonumber(ARGV[2])
local hasKey = tonumber(ARGV[3])
local hasUser = tonumber(ARGV[4])

local keyCount = 0
local userCount = 0
if hasKey == 1 then
	keyCount = tonumber(redis.call('GET', KEYS[1])) or 0
end
if hasUser == 1 then
	userCount = tonumber(redis.call('GET', KEYS[2])) or 0
end

if hasKey == 1 and keyLimit > 0 and keyCount >= keyLimit then
	return {0, keyCount, userCount}
end
if hasUser == 1 and userLimit > 0 and userCount >= userLimit then
	return {2, keyCount, userCount}
end

if hasKey == 1 then
	redis.call('INCR', KEYS[1])
end
if hasUser == 1 then
	redis.call('INCR', KEYS[2])
end
return {1, keyCount, userCount}
`)

// ConcurrentCheckResult is the decoded result of CheckAndTrackConcurrent.
type ConcurrentCheckResult struct {
	Allowed    bool
	KeyBreach  bool
	UserBreach bool
	KeyCount   int64
	UserCount  int64
}

// CheckAndTrackConcurrent runs checkAndTrackConcurrentScript for one
// request. keyID or userID may be 0 to skip that side entirely (e.g. a
// request with no resolvable user). keyLimit/userLimit of 0 means
// unlimited.
func (s *Store) CheckAndTrackConcurrent(ctx context.Context, keyID, userID int64, keyLimit, userLimit int) (ConcurrentCheckResult, error) {
	hasKey, hasUser := 0, 0
	if keyID != 0 {
		hasKey = 1
	}
	if userID != 0 {
		hasUser = 1
	}
	res, err := checkAndTrackConcurrentScript.Run(ctx, s.redis,
		[]string{s.concurrentKey(core.SubjectKey, keyID), s.concurrentKey(core.SubjectUser, userID)},
		keyLimit, userLimit, hasKey, hasUser,
	).Result()
	if err != nil {
		return ConcurrentCheckResult{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return ConcurrentCheckResult{}, fmt.Errorf("unexpected concurrency script result: %v", res)
	}
	code, _ := vals[0].(int64)
	keyCount, _ := vals[1].(int64)
	userCount, _ := vals[2].(int64)
	return ConcurrentCheckResult{
		Allowed:    code == 1,
		KeyBreach:  code == 0,
		UserBreach: code == 2,
		KeyCount:   keyCount,
		UserCount:  userCount,
	}, nil
}

// GetCostUsage returns the current reserved-and-settled usage for one cost
// window.
func (s *Store) GetCostUsage(ctx context.Context, window core.Window, subject core.Subject, id int64) (float64, error) {
	v, err := s.redis.Get(ctx, s.costKey(window, subject, id)).Float64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

// ReserveCost adds amount to the window counter (creating it with a TTL if
// absent) and returns the post-reservation total, per the lease protocol
// in spec §4.2 "CheckCostLimitsWithLease".
func (s *Store) ReserveCost(ctx context.Context, window core.Window, subject core.Subject, id int64, amount float64) (float64, error) {
	key := s.costKey(window, subject, id)
	total, err := s.redis.IncrByFloat(ctx, key, amount).Result()
	if err != nil {
		return 0, err
	}
	if ttl := windowTTL(window); ttl > 0 {
		s.redis.Expire(ctx, key, ttl)
	}
	return total, nil
}

// ReleaseCost reverses a reservation, used when a lease must be rolled
// back because it would have exceeded the window's ceiling.
func (s *Store) ReleaseCost(ctx context.Context, window core.Window, subject core.Subject, id int64, amount float64) error {
	return s.redis.IncrByFloat(ctx, s.costKey(window, subject, id), -amount).Err()
}

// SetCostFloor sets the counter to at least floor, used by the periodic
// DB-reconciliation pass (spec §4.2 "snap-set to max(redisValue,
// dbValue)"). It never lowers the counter.
func (s *Store) SetCostFloor(ctx context.Context, window core.Window, subject core.Subject, id int64, floor float64) error {
	current, err := s.GetCostUsage(ctx, window, subject, id)
	if err != nil {
		return err
	}
	if floor <= current {
		return nil
	}
	key := s.costKey(window, subject, id)
	if err := s.redis.Set(ctx, key, floor, 0).Err(); err != nil {
		return err
	}
	if ttl := windowTTL(window); ttl > 0 {
		s.redis.Expire(ctx, key, ttl)
	}
	return nil
}

// ResetCostWindow zeroes a window's counter by deleting its key. Nothing in
// the gateway calls it.
func (s *Store) ResetCostWindow(ctx context.Context, window core.Window, subject core.Subject, id int64) error {
	return s.redis.Del(ctx, s.costKey(window, subject, id)).Err()
}

func (s *Store) leaseKey(window core.Window, subject core.Subject, id int64, leaseID string) string {
	return fmt.Sprintf(keyLease, subject, id, window, leaseID)
}

// PersistLease records the reserved amount under its own short-TTL key
// (spec §6 "cch:quota:lease:{scope}:{id}:{window}:{leaseId}") so an
// abandoned lease (the request crashed or the process died before
// Settle/rollback ran) can be found and reversed by the periodic
// reconciliation scan instead of inflating its window's counter forever.
func (s *Store) PersistLease(ctx context.Context, window core.Window, subject core.Subject, id int64, leaseID string, amount float64) error {
	return s.redis.Set(ctx, s.leaseKey(window, subject, id, leaseID), amount, leaseTTL).Err()
}

// DeleteLease removes a lease marker once it has been settled (or rolled
// back), so the reconciliation scan never touches it again.
func (s *Store) DeleteLease(ctx context.Context, window core.Window, subject core.Subject, id int64, leaseID string) error {
	return s.redis.Del(ctx, s.leaseKey(window, subject, id, leaseID)).Err()
}

// StaleLease is one lease record the reconciliation scan found still
// present well past the time any real request would have settled it.
type StaleLease struct {
	Window  core.Window
	Subject core.Subject
	ID      int64
	LeaseID string
	Amount  float64
}

// ScanStaleLeases walks every persisted lease marker and returns the ones
// whose remaining TTL shows they have lived at least staleAfter: a lease a
// real request settles finishes in well under a second, so one still
// around after staleAfter almost certainly belongs to a request that
// crashed, was killed, or otherwise never reached Settle/rollback.
func (s *Store) ScanStaleLeases(ctx context.Context, staleAfter time.Duration) ([]StaleLease, error) {
	var stale []StaleLease
	iter := s.redis.Scan(ctx, 0, leasePrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := s.redis.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			continue
		}
		if leaseTTL-ttl < staleAfter {
			continue
		}
		window, subject, id, leaseID, ok := parseLeaseKey(key)
		if !ok {
			continue
		}
		amount, err := s.redis.Get(ctx, key).Float64()
		if err != nil {
			continue
		}
		stale = append(stale, StaleLease{Window: window, Subject: subject, ID: id, LeaseID: leaseID, Amount: amount})
	}
	return stale, iter.Err()
}

func parseLeaseKey(key string) (core.Window, core.Subject, int64, string, bool) {
	rest := strings.TrimPrefix(key, leasePrefix)
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		return "", "", 0, "", false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", "", 0, "", false
	}
	return core.Window(parts[2]), core.Subject(parts[0]), id, parts[3], true
}

// ActiveCostSubject identifies one (window, subject, id) counter currently
// tracked in Redis, as surfaced by ScanActiveCostSubjects for the
// DB-reconciliation refresh pass.
type ActiveCostSubject struct {
	Subject core.Subject
	ID      int64
}

// ScanActiveCostSubjects lists every subject with a live counter for one
// cost window, per spec §4.2 "DB refresh: every ... a background task
// recomputes each active counter". Only counters Redis currently holds are
// refreshed; a subject with no recent activity has nothing to correct.
func (s *Store) ScanActiveCostSubjects(ctx context.Context, window core.Window) ([]ActiveCostSubject, error) {
	pattern := fmt.Sprintf("cch:quota:%s:*", window)
	var out []ActiveCostSubject
	iter := s.redis.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		parts := strings.Split(key, ":")
		if len(parts) < 5 {
			continue
		}
		subject := core.Subject(parts[3])
		id, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ActiveCostSubject{Subject: subject, ID: id})
	}
	return out, iter.Err()
}

func newLeaseID() string { return uuid.NewString() }
