package core

import "time"

// Subject is who a rate-limit window is scoped to.
type Subject string

const (
	SubjectKey  Subject = "key"
	SubjectUser Subject = "user"
)

// Window is one rate-limit dimension. See spec §4.2.
type Window string

const (
	WindowRPM        Window = "rpm"
	WindowConcurrent Window = "concurrent"
	Window5h         Window = "5h"
	WindowDaily      Window = "daily"
	WindowWeekly     Window = "weekly"
	WindowMonthly    Window = "monthly"
	WindowTotal      Window = "total"
)

// CheckOrder is the fixed evaluation order from spec §4.2 "Ordering". The
// rate limiter stops at the first violated window.
var CheckOrder = []struct {
	Subject Subject
	Window  Window
}{
	{SubjectKey, WindowRPM},
	{SubjectUser, WindowRPM},
	{SubjectKey, WindowConcurrent},
	{SubjectUser, WindowConcurrent},
	{SubjectKey, WindowTotal},
	{SubjectUser, WindowTotal},
	{SubjectKey, Window5h},
	{SubjectUser, Window5h},
	{SubjectKey, WindowDaily},
	{SubjectUser, WindowDaily},
	{SubjectKey, WindowWeekly},
	{SubjectUser, WindowWeekly},
	{SubjectKey, WindowMonthly},
	{SubjectUser, WindowMonthly},
}

// RateLimitLease is a bounded-TTL reservation of quota against a Redis
// counter, settled after the request completes. See spec §3
// "RateLimitLease".
type RateLimitLease struct {
	LeaseID  string
	Subject  Subject
	ScopeID  int64
	Window   Window
	Reserved float64
	ExpireAt time.Time
}

// RateLimitRejection is the detail carried by a RATE_LIMIT_* error.
type RateLimitRejection struct {
	LimitType string
	Current   float64
	Limit     float64
	ResetAt   *time.Time
}

// Limits bundles the window ceilings evaluated for one subject, shared by
// both Key and User so the limiter can treat them uniformly.
type Limits struct {
	RPM                int
	ConcurrentSessions int
	Usd5h              float64
	UsdDaily           float64
	UsdWeekly          float64
	UsdMonthly         float64
	UsdTotal           float64
	DailyResetMode     DailyResetMode
	DailyResetTime     string
}

// LimitsFromKey projects a Key's limits into the uniform Limits shape.
func LimitsFromKey(k *Key) Limits {
	return Limits{
		ConcurrentSessions: k.LimitConcurrentSessions,
		Usd5h:              k.LimitUsd5h,
		UsdDaily:           k.LimitUsdDaily,
		UsdWeekly:          k.LimitUsdWeekly,
		UsdMonthly:         k.LimitUsdMonthly,
		UsdTotal:           k.LimitUsdTotal,
		DailyResetMode:     k.DailyResetMode,
		DailyResetTime:     k.DailyResetTime,
	}
}

// WindowLookback returns how far back the ledger DB-refresh pass (spec
// §4.2 "DB refresh") must sum cost to recompute one window's counter.
// WindowTotal has no lookback bound: it only resets on an admin-triggered
// TotalCostResetAt, so the zero time is returned to mean "since ever".
func WindowLookback(w Window) time.Duration {
	switch w {
	case Window5h:
		return 5 * time.Hour
	case WindowDaily:
		return 24 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// LimitsFromUser projects a User's limits into the uniform Limits shape.
func LimitsFromUser(u *User) Limits {
	return Limits{
		RPM:                u.RPM,
		ConcurrentSessions: u.LimitConcurrentSessions,
		UsdDaily:           u.DailyQuotaUsd,
	}
}
