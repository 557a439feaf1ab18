// Package breaker implements the multi-layer circuit breaker described in
// spec §4.1: a per-provider breaker, a per-endpoint breaker, and a coarse
// per-(vendorId, providerType) fuse that can be forced open independently
// of either. State is persisted to Redis so that every gateway instance
// observes the same trip, and breaker config is cached in-process with a
// pub/sub invalidation channel so a config edit takes effect without a
// restart.
//
// The state machine itself is adapted from the generic single-instance
// breaker this package replaces: closed → open on N consecutive failures,
// open → half-open after a cooldown, half-open → closed after M
// consecutive trial successes, half-open → open on any trial failure.
package breaker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/alert"
	"github.com/cch-gateway/cch-gateway/core"
)

type stateEntry struct {
	state      core.CircuitBreakerState
	lastSynced time.Time
}

// Breaker is the process-wide circuit breaker coordinator. One instance
// serves every provider and endpoint; state is keyed by id internally.
type Breaker struct {
	store   *Store
	configs *configCache
	logger  *zap.Logger
	alerter alert.Sender

	mu            sync.Mutex
	providerState map[int64]*stateEntry
	endpointState map[int64]*stateEntry
	fuseState     map[string]*core.VendorTypeFuse // key: vendorID+"/"+providerType
}

func New(store *Store, loader ConfigLoader, logger *zap.Logger) *Breaker {
	return &Breaker{
		store:         store,
		configs:       newConfigCache(loader),
		logger:        logger.With(zap.String("component", "circuit_breaker")),
		alerter:       alert.NewLoggingSender(logger),
		providerState: make(map[int64]*stateEntry),
		endpointState: make(map[int64]*stateEntry),
		fuseState:     make(map[string]*core.VendorTypeFuse),
	}
}

// WithAlertSender overrides the default logging-only alert sender. Call
// once at construction time before the breaker serves any traffic.
func (b *Breaker) WithAlertSender(sender alert.Sender) *Breaker {
	b.alerter = sender
	return b
}

// Run drains config-invalidation notifications until ctx is cancelled. It
// must be started once at process boot.
func (b *Breaker) Run(ctx context.Context) {
	for payload := range b.store.SubscribeConfigUpdated(ctx) {
		providerID, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			b.logger.Warn("invalid circuit breaker config invalidation payload", zap.String("payload", payload))
			continue
		}
		b.configs.Invalidate(providerID)
	}
}

// AllowProvider reports whether a call against providerID may proceed,
// transitioning open→half-open if the cooldown has elapsed.
func (b *Breaker) AllowProvider(ctx context.Context, providerID int64) (bool, core.CBState, error) {
	cfg, err := b.configs.Get(ctx, providerID)
	if err != nil {
		return false, "", err
	}
	if cfg.Disabled() {
		return true, core.CBClosed, nil
	}
	entry, err := b.loadProviderEntry(ctx, providerID, cfg)
	if err != nil {
		return false, "", err
	}
	if entry.state.State != core.CBClosed {
		// A non-closed breaker never runs on config older than 60s.
		if fresh, err := b.configs.ForceReloadIfStale(ctx, providerID, 60*time.Second); err == nil {
			cfg = fresh
			if cfg.Disabled() {
				return true, core.CBClosed, nil
			}
		}
	}
	allow, transitioned := evaluateTransition(&entry.state, cfg)
	if transitioned {
		if err := b.store.SaveProviderState(ctx, providerID, &entry.state); err != nil {
			return allow, entry.state.State, err
		}
	}
	return allow, entry.state.State, nil
}

// AllowEndpoint is the endpoint-scoped analogue of AllowProvider.
func (b *Breaker) AllowEndpoint(ctx context.Context, endpointID int64, cfg core.BreakerConfig) (bool, core.CBState, error) {
	if cfg.Disabled() {
		return true, core.CBClosed, nil
	}
	entry, err := b.loadEndpointEntry(ctx, endpointID)
	if err != nil {
		return false, "", err
	}
	allow, transitioned := evaluateTransition(&entry.state, cfg)
	if transitioned {
		if err := b.store.SaveEndpointState(ctx, endpointID, &entry.state); err != nil {
			return allow, entry.state.State, err
		}
	}
	return allow, entry.state.State, nil
}

// AllowVendorType reports whether the coarse vendor+type fuse permits a
// call. A manually-opened fuse never self-heals; it must be cleared by an
// operator. See spec §4.1 "Vendor+type fuse".
func (b *Breaker) AllowVendorType(ctx context.Context, vendorID string, pt core.ProviderType) (bool, error) {
	key := vendorID + "/" + string(pt)
	b.mu.Lock()
	fuse, ok := b.fuseState[key]
	b.mu.Unlock()
	if !ok {
		loaded, err := b.store.LoadFuse(ctx, vendorID, pt)
		if err != nil {
			return false, err
		}
		if loaded == nil {
			loaded = &core.VendorTypeFuse{State: core.CBClosed}
		}
		b.mu.Lock()
		b.fuseState[key] = loaded
		b.mu.Unlock()
		fuse = loaded
	}
	if fuse.ManualOpen {
		return false, nil
	}
	if fuse.State == core.CBOpen && fuse.OpenUntil != nil && time.Now().After(*fuse.OpenUntil) {
		return true, nil
	}
	return fuse.State != core.CBOpen, nil
}

// OpenVendorTypeFuse force-opens the coarse vendor+type fuse for
// openDuration, per spec §4.6 "open the vendor+type fuse with reason ∈
// {no_enabled_endpoints, all_endpoints_unhealthy}" when the endpoint
// resolver finds nothing usable. Unlike a manually-opened fuse, this trips
// self-heal after openDuration elapses.
func (b *Breaker) OpenVendorTypeFuse(ctx context.Context, vendorID string, pt core.ProviderType, reason string, openDuration time.Duration) error {
	key := vendorID + "/" + string(pt)
	openUntil := time.Now().Add(openDuration)
	fuse := &core.VendorTypeFuse{State: core.CBOpen, OpenUntil: &openUntil}

	b.mu.Lock()
	b.fuseState[key] = fuse
	b.mu.Unlock()

	alert.Fire(b.alerter, alert.Alert{
		Kind:    alert.KindVendorTypeFuseOpen,
		Subject: key,
		Message: "vendor+type fuse opened: " + reason,
		Fields:  map[string]any{"vendorId": vendorID, "providerType": string(pt), "reason": reason},
	})
	return b.store.SaveFuse(ctx, vendorID, pt, fuse)
}

// RecordProviderResult feeds one call outcome into the provider breaker.
func (b *Breaker) RecordProviderResult(ctx context.Context, providerID int64, success bool) error {
	cfg, err := b.configs.Get(ctx, providerID)
	if err != nil || cfg.Disabled() {
		return err
	}
	entry, err := b.loadProviderEntry(ctx, providerID, cfg)
	if err != nil {
		return err
	}
	openedNow := applyResult(&entry.state, cfg, success)
	entry.lastSynced = time.Now()
	if openedNow {
		alert.Fire(b.alerter, alert.Alert{
			Kind:    alert.KindCircuitOpened,
			Subject: fmt.Sprintf("provider:%d", providerID),
			Message: "provider circuit breaker tripped open",
			Fields:  map[string]any{"providerId": providerID, "failureThreshold": cfg.FailureThreshold},
		})
	}
	return b.store.SaveProviderState(ctx, providerID, &entry.state)
}

// RecordEndpointResult feeds one call outcome into the endpoint breaker.
func (b *Breaker) RecordEndpointResult(ctx context.Context, endpointID int64, cfg core.BreakerConfig, success bool) error {
	if cfg.Disabled() {
		return nil
	}
	entry, err := b.loadEndpointEntry(ctx, endpointID)
	if err != nil {
		return err
	}
	openedNow := applyResult(&entry.state, cfg, success)
	entry.lastSynced = time.Now()
	if openedNow {
		alert.Fire(b.alerter, alert.Alert{
			Kind:    alert.KindCircuitOpened,
			Subject: fmt.Sprintf("endpoint:%d", endpointID),
			Message: "endpoint circuit breaker tripped open",
			Fields:  map[string]any{"endpointId": endpointID, "failureThreshold": cfg.FailureThreshold},
		})
	}
	return b.store.SaveEndpointState(ctx, endpointID, &entry.state)
}

func (b *Breaker) loadProviderEntry(ctx context.Context, providerID int64, cfg core.BreakerConfig) (*stateEntry, error) {
	b.mu.Lock()
	entry, ok := b.providerState[providerID]
	b.mu.Unlock()
	if ok && (entry.state.State == core.CBClosed || time.Since(entry.lastSynced) < 60*time.Second) {
		return entry, nil
	}
	persisted, err := b.store.LoadProviderState(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if persisted == nil {
		persisted = &core.CircuitBreakerState{State: core.CBClosed}
	}
	entry = &stateEntry{state: *persisted, lastSynced: time.Now()}
	b.mu.Lock()
	b.providerState[providerID] = entry
	b.mu.Unlock()
	return entry, nil
}

func (b *Breaker) loadEndpointEntry(ctx context.Context, endpointID int64) (*stateEntry, error) {
	b.mu.Lock()
	entry, ok := b.endpointState[endpointID]
	b.mu.Unlock()
	if ok && (entry.state.State == core.CBClosed || time.Since(entry.lastSynced) < 60*time.Second) {
		return entry, nil
	}
	persisted, err := b.store.LoadEndpointState(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if persisted == nil {
		persisted = &core.CircuitBreakerState{State: core.CBClosed}
	}
	entry = &stateEntry{state: *persisted, lastSynced: time.Now()}
	b.mu.Lock()
	b.endpointState[endpointID] = entry
	b.mu.Unlock()
	return entry, nil
}

// evaluateTransition applies the time-based open→half-open transition and
// reports whether the call may proceed. It does not touch failure/success
// counters; those move only through applyResult.
func evaluateTransition(st *core.CircuitBreakerState, cfg core.BreakerConfig) (allow bool, transitioned bool) {
	switch st.State {
	case core.CBClosed:
		return true, false
	case core.CBOpen:
		if st.CircuitOpenUntil != nil && time.Now().After(*st.CircuitOpenUntil) {
			st.State = core.CBHalfOpen
			st.HalfOpenSuccessCount = 0
			return true, true
		}
		return false, false
	case core.CBHalfOpen:
		return true, false
	default:
		return true, false
	}
}

// applyResult mutates st in place per the outcome of one call, per spec
// §4.1's closed/open/half-open transition rules. It returns true exactly
// when this call caused a closed|half-open -> open transition, so the
// caller can fire a one-shot alert.
func applyResult(st *core.CircuitBreakerState, cfg core.BreakerConfig, success bool) bool {
	now := time.Now()
	switch st.State {
	case core.CBHalfOpen:
		if success {
			st.HalfOpenSuccessCount++
			if st.HalfOpenSuccessCount >= cfg.HalfOpenSuccessThreshold {
				st.State = core.CBClosed
				st.FailureCount = 0
				st.HalfOpenSuccessCount = 0
				st.CircuitOpenUntil = nil
			}
			return false
		}
		st.State = core.CBOpen
		openUntil := now.Add(cfg.OpenDuration)
		st.CircuitOpenUntil = &openUntil
		st.HalfOpenSuccessCount = 0
		st.FailureCount = cfg.FailureThreshold
		st.LastFailureTime = &now
		return true
	case core.CBClosed:
		if success {
			st.FailureCount = 0
			st.LastFailureTime = nil
			return false
		}
		st.FailureCount++
		st.LastFailureTime = &now
		if st.FailureCount >= cfg.FailureThreshold {
			st.State = core.CBOpen
			openUntil := now.Add(cfg.OpenDuration)
			st.CircuitOpenUntil = &openUntil
			return true
		}
		return false
	case core.CBOpen:
		if !success {
			st.LastFailureTime = &now
		}
		return false
	default:
		return false
	}
}
