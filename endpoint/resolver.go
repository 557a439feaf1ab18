// Package endpoint resolves a selected provider down to the concrete
// upstream URL a request is sent to, per spec §4.6: vendor-less providers
// forward straight to provider.url, vendored providers pick among their
// configured ProviderEndpoint rows by weighted random selection within
// the lowest sortOrder group, and the "strict endpoint policy" forbids a
// silent fallback to provider.url for standard (non-MCP) paths when
// endpoint resolution comes up empty.
package endpoint

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
)

// standardPaths are the upstream paths the strict endpoint policy governs;
// every other path (MCP passthrough) accepts a provider.url fallback.
var standardPaths = map[string]bool{
	"/v1/messages":          true,
	"/v1/responses":         true,
	"/v1/responses/compact": true,
	"/v1/chat/completions":  true,
}

// ErrResolutionFailed is wrapped into a gatewayerr by the caller once it
// also has the endpointFilterStats and strictBlockCause to attach.
var ErrResolutionFailed = errors.New("endpoint resolution failed")

// Repo loads the configured endpoints for one (vendorId, providerType)
// pair. Soft-deleted rows must already be excluded by the implementation.
type Repo interface {
	ListByVendorType(ctx context.Context, vendorID string, pt core.ProviderType) ([]*core.ProviderEndpoint, error)
}

// BreakerChecker is the endpoint-scoped slice of breaker.Breaker this
// package needs, plus the ability to trip the coarse vendor+type fuse when
// no endpoint survives filtering.
type BreakerChecker interface {
	AllowEndpoint(ctx context.Context, endpointID int64, cfg core.BreakerConfig) (bool, core.CBState, error)
	OpenVendorTypeFuse(ctx context.Context, vendorID string, pt core.ProviderType, reason string, openDuration time.Duration) error
}

// Resolution is the outcome of resolving one provider to a target URL.
type Resolution struct {
	URL      string
	Endpoint *core.ProviderEndpoint // nil when provider.vendorId == "" (legacy direct URL)
	Stats    core.EndpointFilterStats
}

// Resolver implements spec §4.6.
type Resolver struct {
	repo             Repo
	breaker          BreakerChecker
	breakerEnabled   bool
	logger           *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(repo Repo, breaker BreakerChecker, logger *zap.Logger) *Resolver {
	return &Resolver{
		repo:           repo,
		breaker:        breaker,
		breakerEnabled: true,
		logger:         logger.With(zap.String("component", "endpoint_resolver")),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithEndpointCircuitBreaker toggles whether endpoint-level breaker state
// is consulted during resolution, per spec §6
// "ENABLE_ENDPOINT_CIRCUIT_BREAKER". When disabled, every enabled endpoint
// is treated as available regardless of its own failure history; the
// provider-level and vendor+type breakers still apply upstream in
// selector.Selector.
func (r *Resolver) WithEndpointCircuitBreaker(enabled bool) *Resolver {
	r.breakerEnabled = enabled
	return r
}

// Resolve picks the concrete URL for provider on path. strictBlockCause is
// non-nil only when the strict endpoint policy (standard paths) refused a
// fallback to provider.url; the caller must surface endpoint_pool_exhausted
// in that case rather than silently using provider.url.
func (r *Resolver) Resolve(ctx context.Context, provider *core.Provider, path string) (*Resolution, *core.StrictBlockCause, error) {
	if provider.VendorID == "" {
		return &Resolution{URL: provider.URL}, nil, nil
	}

	endpoints, err := r.repo.ListByVendorType(ctx, provider.VendorID, provider.Type)
	if err != nil {
		cause := core.StrictBlockSelectorError
		return nil, r.strictCauseIfStandard(path, &cause), err
	}

	stats := core.EndpointFilterStats{Total: len(endpoints)}
	breakerCfg := providerBreakerConfig(provider)

	var candidates []*core.ProviderEndpoint
	for _, e := range endpoints {
		if e.SoftDeleted || !e.IsEnabled {
			continue
		}
		stats.Enabled++
		allow := true
		if r.breakerEnabled {
			var err error
			allow, _, err = r.breaker.AllowEndpoint(ctx, e.ID, breakerCfg)
			if err != nil {
				r.logger.Warn("endpoint circuit check failed open", zap.Int64("endpointId", e.ID), zap.Error(err))
				allow = true
			}
		}
		if !allow {
			stats.CircuitOpen++
			continue
		}
		stats.Available++
		candidates = append(candidates, e)
	}

	if len(candidates) == 0 {
		reason := "no_enabled_endpoints"
		if stats.Enabled > 0 {
			reason = "all_endpoints_unhealthy"
		}
		openDuration := breakerCfg.OpenDuration
		if openDuration <= 0 {
			openDuration = time.Minute
		}
		if err := r.breaker.OpenVendorTypeFuse(ctx, provider.VendorID, provider.Type, reason, openDuration); err != nil {
			r.logger.Warn("failed to persist vendor+type fuse trip", zap.Error(err))
		}
		cause := core.StrictBlockNoCandidates
		return nil, r.strictCauseIfStandard(path, &cause), ErrResolutionFailed
	}

	chosen := r.pickLowestSortOrderGroup(candidates)
	return &Resolution{URL: chosen.URL, Endpoint: chosen, Stats: stats}, nil, nil
}

// strictCauseIfStandard returns cause for standard upstream paths (where a
// provider.url fallback is forbidden) and nil for MCP passthrough paths
// (where the legacy fallback is still accepted by the caller).
func (r *Resolver) strictCauseIfStandard(path string, cause *core.StrictBlockCause) *core.StrictBlockCause {
	if standardPaths[path] {
		return cause
	}
	return nil
}

func providerBreakerConfig(p *core.Provider) core.BreakerConfig {
	return core.BreakerConfig{
		FailureThreshold:         p.FailureThreshold,
		OpenDuration:             time.Duration(p.OpenDurationMs) * time.Millisecond,
		HalfOpenSuccessThreshold: p.HalfOpenSuccessThreshold,
	}
}

// pickLowestSortOrderGroup restricts to the candidates sharing the lowest
// sortOrder value, then weighted-random picks among them.
func (r *Resolver) pickLowestSortOrderGroup(candidates []*core.ProviderEndpoint) *core.ProviderEndpoint {
	lowest := candidates[0].SortOrder
	for _, e := range candidates[1:] {
		if e.SortOrder < lowest {
			lowest = e.SortOrder
		}
	}
	var group []*core.ProviderEndpoint
	for _, e := range candidates {
		if e.SortOrder == lowest {
			group = append(group, e)
		}
	}
	if len(group) == 1 {
		return group[0]
	}
	total := 0
	weights := make([]int, len(group))
	for i, e := range group {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	r.rngMu.Lock()
	target := r.rng.Float64() * float64(total)
	r.rngMu.Unlock()
	var cumulative float64
	for i, e := range group {
		cumulative += float64(weights[i])
		if target < cumulative {
			return e
		}
	}
	return group[len(group)-1]
}
