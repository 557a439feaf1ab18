package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
)

type allowAllBreaker struct{ openProviders map[int64]bool; openFuses map[string]bool }

func (b allowAllBreaker) AllowProvider(_ context.Context, providerID int64) (bool, core.CBState, error) {
	if b.openProviders[providerID] {
		return false, core.CBOpen, nil
	}
	return true, core.CBClosed, nil
}

func (b allowAllBreaker) AllowVendorType(_ context.Context, vendorID string, _ core.ProviderType) (bool, error) {
	return !b.openFuses[vendorID], nil
}

func provider(id int64, weight, priority int, groupTag string) *core.Provider {
	return &core.Provider{
		ID: id, Name: "p", Type: core.ProviderTypeClaude, VendorID: "v",
		Weight: weight, Priority: priority, GroupTag: groupTag,
	}
}

func TestSelector_FiltersIncompatibleWireFormat(t *testing.T) {
	sel := New(nil, nil, zap.NewNop())
	providers := []*core.Provider{
		{ID: 1, Name: "openai", Type: core.ProviderTypeOpenAICompat, Weight: 1},
	}
	res := sel.Select(context.Background(), providers, &core.Key{}, &core.User{}, core.WireFormatClaude, "claude-3", nil, 0)
	assert.Nil(t, res.Chosen)
	require.Len(t, res.Decision.FilteredProviders, 1)
}

func TestSelector_FiltersGroupMismatch(t *testing.T) {
	sel := New(nil, nil, zap.NewNop())
	providers := []*core.Provider{provider(1, 1, 0, "enterprise")}
	key := &core.Key{ProviderGroup: "default"}
	res := sel.Select(context.Background(), providers, key, &core.User{}, core.WireFormatClaude, "", nil, 0)
	assert.Nil(t, res.Chosen)
	require.Len(t, res.Decision.FilteredProviders, 1)
	assert.Equal(t, core.FilterGroupMismatch, res.Decision.FilteredProviders[0].Reason)
}

func TestSelector_FiltersCircuitOpen(t *testing.T) {
	breaker := allowAllBreaker{openProviders: map[int64]bool{1: true}}
	sel := New(breaker, nil, zap.NewNop())
	providers := []*core.Provider{provider(1, 1, 0, ""), provider(2, 1, 0, "")}
	res := sel.Select(context.Background(), providers, &core.Key{}, &core.User{}, core.WireFormatClaude, "", nil, 0)
	require.NotNil(t, res.Chosen)
	assert.Equal(t, int64(2), res.Chosen.ID)
}

func TestSelector_LowestPriorityBucketWinsFirst(t *testing.T) {
	sel := New(allowAllBreaker{}, nil, zap.NewNop())
	providers := []*core.Provider{provider(1, 1, 10, ""), provider(2, 1, 0, "")}
	res := sel.Select(context.Background(), providers, &core.Key{}, &core.User{}, core.WireFormatClaude, "", nil, 0)
	require.NotNil(t, res.Chosen)
	assert.Equal(t, int64(2), res.Chosen.ID)
	assert.Equal(t, 0, res.Decision.SelectedPriority)
	require.Len(t, res.Fallbacks, 1)
	assert.Equal(t, int64(1), res.Fallbacks[0].ID)
}

func TestSelector_StickyProviderPreferredWhenHealthy(t *testing.T) {
	sel := New(allowAllBreaker{}, nil, zap.NewNop())
	providers := []*core.Provider{provider(1, 100, 0, ""), provider(2, 1, 0, "")}
	res := sel.Select(context.Background(), providers, &core.Key{}, &core.User{}, core.WireFormatClaude, "", nil, 2)
	require.NotNil(t, res.Chosen)
	assert.Equal(t, int64(2), res.Chosen.ID)
	assert.True(t, res.StickyUsed)
}

func TestSelector_ExcludesAlreadyTriedProviders(t *testing.T) {
	sel := New(allowAllBreaker{}, nil, zap.NewNop())
	providers := []*core.Provider{provider(1, 1, 0, ""), provider(2, 1, 0, "")}
	tried := map[int64]struct{}{1: {}}
	res := sel.Select(context.Background(), providers, &core.Key{}, &core.User{}, core.WireFormatClaude, "", tried, 0)
	require.NotNil(t, res.Chosen)
	assert.Equal(t, int64(2), res.Chosen.ID)
}

func TestSelector_NoCandidatesReturnsNilChosen(t *testing.T) {
	sel := New(allowAllBreaker{}, nil, zap.NewNop())
	res := sel.Select(context.Background(), nil, &core.Key{}, &core.User{}, core.WireFormatClaude, "", nil, 0)
	assert.Nil(t, res.Chosen)
	assert.Nil(t, res.Fallbacks)
}

func TestSelector_WeightedPickConvergesToWeights(t *testing.T) {
	sel := New(allowAllBreaker{}, nil, zap.NewNop())
	providers := []*core.Provider{provider(1, 9, 0, ""), provider(2, 1, 0, "")}
	counts := map[int64]int{}
	const trials = 5000
	for i := 0; i < trials; i++ {
		res := sel.Select(context.Background(), providers, &core.Key{}, &core.User{}, core.WireFormatClaude, "", nil, 0)
		require.NotNil(t, res.Chosen)
		counts[res.Chosen.ID]++
	}
	ratio := float64(counts[1]) / float64(trials)
	assert.InDelta(t, 0.9, ratio, 0.05, "provider 1 should be picked roughly 90%% of the time")
}
