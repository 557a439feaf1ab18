// Package core holds the domain model shared across the request execution
// engine: providers, endpoints, keys, users, sessions and the per-request
// audit trail. It has no behavior of its own beyond small invariant helpers;
// the stateful components (breaker, ratelimit, selector, forward, ...) each
// operate on these types.
package core

import "time"

// ProviderType identifies the upstream wire protocol family a Provider
// speaks.
type ProviderType string

const (
	ProviderTypeClaude         ProviderType = "claude"
	ProviderTypeClaudeAuth     ProviderType = "claude-auth"
	ProviderTypeCodex          ProviderType = "codex"
	ProviderTypeOpenAICompat   ProviderType = "openai-compatible"
	ProviderTypeGemini         ProviderType = "gemini"
	ProviderTypeGeminiCLI      ProviderType = "gemini-cli"
)

// CacheTTLPreference controls the preferred prompt-cache TTL a provider
// requests from the upstream vendor.
type CacheTTLPreference string

const (
	CacheTTLInherit CacheTTLPreference = "inherit"
	CacheTTL5m      CacheTTLPreference = "5m"
	CacheTTL1h      CacheTTLPreference = "1h"
)

// Provider is one configured upstream: identity, routing, limits, circuit
// breaker tuning and per-vendor preferences. See spec §3 "Provider".
type Provider struct {
	ID       int64
	Name     string
	VendorID string
	Type     ProviderType

	// Credential is the upstream vendor's own API key/OAuth token, stored
	// at rest and injected onto outgoing requests in the header form
	// providerType demands (spec §4.7 step 1). Never logged verbatim.
	Credential string

	URL              string
	GroupTag         string
	Weight           int
	Priority         int // 0..256, lower runs first
	CostMultiplier   float64
	ModelRedirects   map[string]string
	AllowedModels    []string
	GroupPriorities  map[string]int

	LimitUsd5h      float64
	LimitUsdDaily   float64
	LimitUsdWeekly  float64
	LimitUsdMonthly float64
	LimitUsdTotal   float64
	TotalCostResetAt time.Time

	LimitConcurrentSessions int
	MaxRetryAttempts        int

	FailureThreshold         int
	OpenDurationMs           int64
	HalfOpenSuccessThreshold int

	ProxyURL               string
	ProxyFallbackToDirect  bool
	PreserveClientIP       bool
	FirstByteTimeoutStreamingMs int64
	StreamingIdleTimeoutMs      int64
	RequestTimeoutNonStreamingMs int64

	CacheTTLPreference     CacheTTLPreference
	Context1mPreference    bool
	CodexReasoningEffort   string
	CodexReasoningSummary  string
	AnthropicMaxTokens     int
	AnthropicThinkingBudget int
	GeminiGoogleSearch     bool

	MCPPassthrough bool

	SoftDeleted bool
}

// CircuitBreakerDisabled reports whether this provider's breaker is
// disabled per spec §3/§4.1: failureThreshold <= 0 forces the circuit
// closed permanently.
func (p *Provider) CircuitBreakerDisabled() bool {
	return p.FailureThreshold <= 0
}

// IsSelectable reports whether the provider may appear in selection
// candidate lists at all (independent of circuit/rate-limit state).
func (p *Provider) IsSelectable() bool {
	return !p.SoftDeleted && p.Weight >= 0
}

// EffectivePriority returns the priority to use for a given request group,
// honoring a per-group override in GroupPriorities when present.
func (p *Provider) EffectivePriority(group string) int {
	if p.GroupPriorities != nil {
		if pr, ok := p.GroupPriorities[group]; ok {
			return pr
		}
	}
	return p.Priority
}

// ProviderEndpoint is one concrete HTTP URL belonging to a (vendor,
// providerType) pair. See spec §3 "ProviderEndpoint".
type ProviderEndpoint struct {
	ID           int64
	VendorID     string
	ProviderType ProviderType
	URL          string
	Label        string
	SortOrder    int
	Weight       int
	IsEnabled    bool
	LastProbeAt  time.Time
	LastProbeOK  bool
	SoftDeleted  bool
}
