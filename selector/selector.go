// Package selector implements the provider candidate filter and weighted
// random pick described in spec §4.5: starting from every configured
// provider, it narrows to the ones compatible with and permitted to serve
// one request, partitions the survivors by priority, and picks one within
// the lowest non-empty bucket by weight. Every exclusion and every
// candidate's selection probability is recorded into a core.DecisionContext
// for the audit trail carried on the eventual core.ProviderChainItem.
//
// The weighted-pick algorithm is adapted from this repository's own
// WeightedRouter (see llm/router/router.go): a mutex-guarded *rand.Rand and
// a cumulative-weight walk, generalized here to operate over
// *core.Provider instead of model candidates and to record the probability
// of every candidate rather than just the winner.
package selector

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
)

// BreakerChecker is the narrow slice of breaker.Breaker the selector needs:
// whether a provider's own circuit is closed/half-open and whether its
// coarse vendor+type fuse is shut.
type BreakerChecker interface {
	AllowProvider(ctx context.Context, providerID int64) (bool, core.CBState, error)
	AllowVendorType(ctx context.Context, vendorID string, pt core.ProviderType) (bool, error)
}

// LoadChecker reports a provider's current concurrent session count, used
// to enforce Provider.LimitConcurrentSessions independently of the
// key/user concurrency windows the rate limiter owns. A nil LoadChecker
// disables this filter (every provider passes).
type LoadChecker interface {
	ConcurrentLoad(ctx context.Context, providerID int64) (int64, error)
}

// Selector picks the provider that should serve one request, per spec
// §4.5.
type Selector struct {
	breaker BreakerChecker
	load    LoadChecker
	logger  *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(breaker BreakerChecker, load LoadChecker, logger *zap.Logger) *Selector {
	return &Selector{
		breaker: breaker,
		load:    load,
		logger:  logger.With(zap.String("component", "selector")),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Result is the outcome of one selection: the chosen provider (nil if none
// survived filtering), the remaining candidates in retry order (current
// bucket first, excluding the chosen one, then lower-priority buckets), and
// the full audit trail.
type Result struct {
	Chosen      *core.Provider
	Fallbacks   []*core.Provider
	Decision    core.DecisionContext
	StickyUsed  bool
}

// Select runs the full spec §4.5 algorithm. providers is every configured
// provider regardless of state; tried excludes providers already attempted
// earlier in this same request (for retry rounds). stickyProviderID is 0
// when there is no session affinity to honor.
func (s *Selector) Select(
	ctx context.Context,
	providers []*core.Provider,
	key *core.Key,
	user *core.User,
	wireFormat core.WireFormat,
	model string,
	tried map[int64]struct{},
	stickyProviderID int64,
) Result {
	decision := core.DecisionContext{TotalProviders: len(providers)}

	compatible := compatibleSet(core.CompatibleProviderTypes(wireFormat))
	groups := core.EffectiveGroups(key, user)

	var enabled []*core.Provider
	for _, p := range providers {
		if _, ok := tried[p.ID]; ok {
			continue
		}
		if !p.IsSelectable() {
			decision.FilteredProviders = append(decision.FilteredProviders, core.FilteredProvider{ID: p.ID, Name: p.Name, Reason: core.FilterDisabled})
			continue
		}
		if len(compatible) > 0 && !compatible[p.Type] {
			decision.FilteredProviders = append(decision.FilteredProviders, core.FilteredProvider{ID: p.ID, Name: p.Name, Reason: core.FilterDisabled, Details: "wire format incompatible"})
			continue
		}
		if !groupMatches(p.GroupTag, groups) {
			decision.FilteredProviders = append(decision.FilteredProviders, core.FilteredProvider{ID: p.ID, Name: p.Name, Reason: core.FilterGroupMismatch})
			continue
		}
		if !modelAllowed(p.AllowedModels, model) {
			decision.FilteredProviders = append(decision.FilteredProviders, core.FilteredProvider{ID: p.ID, Name: p.Name, Reason: core.FilterModelNotAllowed})
			continue
		}
		enabled = append(enabled, p)
	}
	decision.Enabled = len(enabled)

	var healthy []*core.Provider
	for _, p := range enabled {
		ok, reason := s.passesHealthChecks(ctx, p)
		if !ok {
			decision.FilteredProviders = append(decision.FilteredProviders, core.FilteredProvider{ID: p.ID, Name: p.Name, Reason: reason})
			continue
		}
		healthy = append(healthy, p)
	}
	decision.AfterHealthCheck = len(healthy)

	buckets := partitionByPriority(healthy, groups)
	if len(buckets) == 0 {
		return Result{Decision: decision}
	}

	bucket := buckets[0].providers
	decision.SelectedPriority = buckets[0].priority

	if stickyProviderID != 0 {
		for i, p := range bucket {
			if p.ID == stickyProviderID {
				decision.CandidatesAtPriority = probabilities(bucket)
				fallbacks := append(append([]*core.Provider{}, bucket[:i]...), bucket[i+1:]...)
				fallbacks = append(fallbacks, flattenRest(buckets[1:])...)
				return Result{Chosen: p, Fallbacks: fallbacks, Decision: decision, StickyUsed: true}
			}
		}
	}

	decision.CandidatesAtPriority = probabilities(bucket)
	chosenIdx := s.weightedPick(bucket)
	chosen := bucket[chosenIdx]
	fallbacks := append(append([]*core.Provider{}, bucket[:chosenIdx]...), bucket[chosenIdx+1:]...)
	fallbacks = append(fallbacks, flattenRest(buckets[1:])...)
	return Result{Chosen: chosen, Fallbacks: fallbacks, Decision: decision}
}

func (s *Selector) passesHealthChecks(ctx context.Context, p *core.Provider) (bool, core.FilterReason) {
	if s.breaker != nil {
		allow, _, err := s.breaker.AllowProvider(ctx, p.ID)
		if err != nil {
			s.logger.Warn("circuit breaker check failed open", zap.Int64("providerId", p.ID), zap.Error(err))
		} else if !allow {
			return false, core.FilterCircuitOpen
		}
		if p.VendorID != "" {
			fuseOK, err := s.breaker.AllowVendorType(ctx, p.VendorID, p.Type)
			if err != nil {
				s.logger.Warn("vendor+type fuse check failed open", zap.String("vendorId", p.VendorID), zap.Error(err))
			} else if !fuseOK {
				return false, core.FilterCircuitOpen
			}
		}
	}
	if s.load != nil && p.LimitConcurrentSessions > 0 {
		current, err := s.load.ConcurrentLoad(ctx, p.ID)
		if err != nil {
			s.logger.Warn("provider load check failed open", zap.Int64("providerId", p.ID), zap.Error(err))
		} else if current >= int64(p.LimitConcurrentSessions) {
			return false, core.FilterRateLimited
		}
	}
	return true, ""
}

func compatibleSet(types []core.ProviderType) map[core.ProviderType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[core.ProviderType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// groupMatches treats an empty provider groupTag as unrestricted, and an
// empty effective-groups set (neither key nor user restricts groups) as
// matching any provider.
func groupMatches(groupTag string, effectiveGroups []string) bool {
	if groupTag == "" || len(effectiveGroups) == 0 {
		return true
	}
	for _, g := range effectiveGroups {
		if g == groupTag {
			return true
		}
	}
	return false
}

func modelAllowed(allowed []string, model string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == model {
			return true
		}
	}
	return false
}

type priorityBucket struct {
	priority  int
	providers []*core.Provider
}

// partitionByPriority groups providers by their group-adjusted priority
// and returns the buckets sorted ascending (lowest priority number first).
// Within a bucket, providers are sorted by weight descending then id
// ascending so the deterministic tie-break in spec §4.5 "Tie-breaks" holds
// even before the random pick is applied.
func partitionByPriority(providers []*core.Provider, groups []string) []priorityBucket {
	group := ""
	if len(groups) > 0 {
		group = groups[0]
	}
	byPriority := make(map[int][]*core.Provider)
	for _, p := range providers {
		pr := p.EffectivePriority(group)
		byPriority[pr] = append(byPriority[pr], p)
	}
	priorities := make([]int, 0, len(byPriority))
	for pr := range byPriority {
		priorities = append(priorities, pr)
	}
	sort.Ints(priorities)
	buckets := make([]priorityBucket, 0, len(priorities))
	for _, pr := range priorities {
		bucket := byPriority[pr]
		sort.Slice(bucket, func(i, j int) bool {
			if bucket[i].Weight != bucket[j].Weight {
				return bucket[i].Weight > bucket[j].Weight
			}
			return bucket[i].ID < bucket[j].ID
		})
		buckets = append(buckets, priorityBucket{priority: pr, providers: bucket})
	}
	return buckets
}

func flattenRest(buckets []priorityBucket) []*core.Provider {
	var out []*core.Provider
	for _, b := range buckets {
		out = append(out, b.providers...)
	}
	return out
}

func probabilities(bucket []*core.Provider) []core.ProviderCandidateAudit {
	var total int
	for _, p := range bucket {
		total += weightOf(p)
	}
	out := make([]core.ProviderCandidateAudit, 0, len(bucket))
	for _, p := range bucket {
		prob := 0.0
		if total > 0 {
			prob = float64(weightOf(p)) / float64(total)
		}
		out = append(out, core.ProviderCandidateAudit{
			ID: p.ID, Name: p.Name, Weight: p.Weight, CostMultiplier: p.CostMultiplier, Probability: prob,
		})
	}
	return out
}

// weightOf treats a zero weight as a minimal weight of 1 so a provider
// with weight 0 can still be picked rather than vanishing from a
// zero-total-weight bucket; spec's invariant only requires weight >= 0.
func weightOf(p *core.Provider) int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

// weightedPick returns the index within bucket chosen by cumulative-weight
// random selection: probability_i = weight_i / Σweight.
func (s *Selector) weightedPick(bucket []*core.Provider) int {
	if len(bucket) == 1 {
		return 0
	}
	total := 0
	for _, p := range bucket {
		total += weightOf(p)
	}
	s.rngMu.Lock()
	target := s.rng.Float64() * float64(total)
	s.rngMu.Unlock()
	var cumulative float64
	for i, p := range bucket {
		cumulative += float64(weightOf(p))
		if target < cumulative {
			return i
		}
	}
	return len(bucket) - 1
}
