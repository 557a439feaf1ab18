package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
)

type fakeRepo struct {
	endpoints []*core.ProviderEndpoint
	err       error
}

func (r fakeRepo) ListByVendorType(_ context.Context, _ string, _ core.ProviderType) ([]*core.ProviderEndpoint, error) {
	return r.endpoints, r.err
}

type fakeBreaker struct {
	closedEndpoints map[int64]bool
	fuseOpened      bool
	fuseReason      string
}

func (b *fakeBreaker) AllowEndpoint(_ context.Context, endpointID int64, _ core.BreakerConfig) (bool, core.CBState, error) {
	if b.closedEndpoints == nil || b.closedEndpoints[endpointID] {
		return true, core.CBClosed, nil
	}
	return false, core.CBOpen, nil
}

func (b *fakeBreaker) OpenVendorTypeFuse(_ context.Context, _ string, _ core.ProviderType, reason string, _ time.Duration) error {
	b.fuseOpened = true
	b.fuseReason = reason
	return nil
}

func TestResolver_VendorlessProviderUsesURL(t *testing.T) {
	r := New(fakeRepo{}, &fakeBreaker{}, zap.NewNop())
	provider := &core.Provider{URL: "https://direct.example.com"}
	res, cause, err := r.Resolve(context.Background(), provider, "/v1/messages")
	require.NoError(t, err)
	assert.Nil(t, cause)
	assert.Equal(t, "https://direct.example.com", res.URL)
	assert.Nil(t, res.Endpoint)
}

func TestResolver_PicksLowestSortOrderGroup(t *testing.T) {
	repo := fakeRepo{endpoints: []*core.ProviderEndpoint{
		{ID: 1, URL: "https://a", SortOrder: 0, IsEnabled: true},
		{ID: 2, URL: "https://b", SortOrder: 1, IsEnabled: true},
	}}
	r := New(repo, &fakeBreaker{}, zap.NewNop())
	provider := &core.Provider{VendorID: "v1", Type: core.ProviderTypeClaude}
	res, cause, err := r.Resolve(context.Background(), provider, "/v1/messages")
	require.NoError(t, err)
	assert.Nil(t, cause)
	assert.Equal(t, "https://a", res.URL)
}

func TestResolver_SkipsDisabledAndCircuitOpenEndpoints(t *testing.T) {
	repo := fakeRepo{endpoints: []*core.ProviderEndpoint{
		{ID: 1, URL: "https://a", SortOrder: 0, IsEnabled: false},
		{ID: 2, URL: "https://b", SortOrder: 0, IsEnabled: true},
		{ID: 3, URL: "https://c", SortOrder: 0, IsEnabled: true},
	}}
	breaker := &fakeBreaker{closedEndpoints: map[int64]bool{2: false, 3: true}}
	r := New(repo, breaker, zap.NewNop())
	provider := &core.Provider{VendorID: "v1", Type: core.ProviderTypeClaude}
	res, cause, err := r.Resolve(context.Background(), provider, "/v1/messages")
	require.NoError(t, err)
	assert.Nil(t, cause)
	assert.Equal(t, "https://c", res.URL)
}

func TestResolver_NoCandidatesOpensFuseAndBlocksStrictPath(t *testing.T) {
	repo := fakeRepo{endpoints: []*core.ProviderEndpoint{
		{ID: 1, URL: "https://a", SortOrder: 0, IsEnabled: true},
	}}
	breaker := &fakeBreaker{closedEndpoints: map[int64]bool{1: false}}
	r := New(repo, breaker, zap.NewNop())
	provider := &core.Provider{VendorID: "v1", Type: core.ProviderTypeClaude, URL: "https://fallback"}
	res, cause, err := r.Resolve(context.Background(), provider, "/v1/messages")
	require.Error(t, err)
	assert.Nil(t, res)
	require.NotNil(t, cause)
	assert.Equal(t, core.StrictBlockNoCandidates, *cause)
	assert.True(t, breaker.fuseOpened)
	assert.Equal(t, "all_endpoints_unhealthy", breaker.fuseReason)
}

func TestResolver_NoCandidatesAllowsFallbackOnMCPPath(t *testing.T) {
	repo := fakeRepo{endpoints: nil}
	breaker := &fakeBreaker{}
	r := New(repo, breaker, zap.NewNop())
	provider := &core.Provider{VendorID: "v1", Type: core.ProviderTypeClaude, URL: "https://fallback"}
	res, cause, err := r.Resolve(context.Background(), provider, "/mcp/tools")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Nil(t, cause, "MCP passthrough accepts the legacy provider.url fallback")
	assert.Equal(t, "no_enabled_endpoints", breaker.fuseReason)
}
