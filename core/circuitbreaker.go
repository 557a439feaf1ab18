package core

import "time"

// CBState is one of the three circuit breaker states. See spec §4.1.
type CBState string

const (
	CBClosed   CBState = "closed"
	CBOpen     CBState = "open"
	CBHalfOpen CBState = "half-open"
)

// CircuitBreakerState is the persisted state of one breaker instance,
// mirrored per provider, per endpoint, and (coarsely) per vendor+type.
// See spec §3 "CircuitBreakerState".
type CircuitBreakerState struct {
	FailureCount          int
	LastFailureTime       *time.Time
	State                 CBState
	CircuitOpenUntil      *time.Time
	HalfOpenSuccessCount  int
}

// VendorTypeFuse is the coarse kill-switch keyed by (vendorId, providerType)
// described in spec §4.1 "Vendor+type fuse".
type VendorTypeFuse struct {
	State      CBState
	OpenUntil  *time.Time
	ManualOpen bool
}

// BreakerConfig is the per-provider tunable loaded from Redis/DB with a
// 5-minute TTL cache, per spec §4.1 "Config loading".
type BreakerConfig struct {
	FailureThreshold         int
	OpenDuration             time.Duration
	HalfOpenSuccessThreshold int
}

// Disabled mirrors Provider.CircuitBreakerDisabled for a bare config.
func (c BreakerConfig) Disabled() bool {
	return c.FailureThreshold <= 0
}
