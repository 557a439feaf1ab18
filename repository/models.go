// Package repository is the gorm-backed persistence layer: the row
// shapes stored in Postgres and the narrow repo interfaces the guard,
// selector and endpoint packages consume, plus the async message-request
// write buffer that implements respond.Sink. See spec §3 for the domain
// model these rows project to and from.
package repository

import (
	"time"

	"github.com/cch-gateway/cch-gateway/core"
)

// ProviderRow is the gorm-mapped persisted shape of core.Provider.
type ProviderRow struct {
	ID       int64  `gorm:"primaryKey"`
	Name     string `gorm:"size:200;not null"`
	VendorID string `gorm:"size:100;index"`
	Type     string `gorm:"size:32;not null;index"`

	Credential      string `gorm:"size:1000"`
	URL             string `gorm:"size:500"`
	GroupTag        string `gorm:"size:200"`
	Weight          int    `gorm:"default:100"`
	Priority        int    `gorm:"default:100"`
	CostMultiplier  float64 `gorm:"type:decimal(10,4);default:1"`
	ModelRedirects  string  `gorm:"type:text"` // JSON-encoded map[string]string
	AllowedModels   string  `gorm:"type:text"` // JSON-encoded []string
	GroupPriorities string  `gorm:"type:text"` // JSON-encoded map[string]int

	LimitUsd5h       float64 `gorm:"type:decimal(12,4);default:0"`
	LimitUsdDaily    float64 `gorm:"type:decimal(12,4);default:0"`
	LimitUsdWeekly   float64 `gorm:"type:decimal(12,4);default:0"`
	LimitUsdMonthly  float64 `gorm:"type:decimal(12,4);default:0"`
	LimitUsdTotal    float64 `gorm:"type:decimal(12,4);default:0"`
	TotalCostResetAt time.Time

	LimitConcurrentSessions int `gorm:"default:0"`
	MaxRetryAttempts        int `gorm:"default:3"`

	FailureThreshold         int   `gorm:"default:5"`
	OpenDurationMs           int64 `gorm:"default:30000"`
	HalfOpenSuccessThreshold int   `gorm:"default:2"`

	ProxyURL                     string `gorm:"size:500"`
	ProxyFallbackToDirect        bool   `gorm:"default:true"`
	PreserveClientIP             bool   `gorm:"default:false"`
	FirstByteTimeoutStreamingMs  int64  `gorm:"default:30000"`
	StreamingIdleTimeoutMs       int64  `gorm:"default:60000"`
	RequestTimeoutNonStreamingMs int64  `gorm:"default:120000"`

	CacheTTLPreference      string `gorm:"size:16;default:inherit"`
	Context1mPreference     bool   `gorm:"default:false"`
	CodexReasoningEffort    string `gorm:"size:32"`
	CodexReasoningSummary   string `gorm:"size:32"`
	AnthropicMaxTokens      int    `gorm:"default:0"`
	AnthropicThinkingBudget int    `gorm:"default:0"`
	GeminiGoogleSearch      bool   `gorm:"default:false"`

	MCPPassthrough bool `gorm:"default:false"`

	SoftDeleted bool `gorm:"default:false;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ProviderRow) TableName() string { return "cch_providers" }

// ProviderEndpointRow is the gorm-mapped persisted shape of
// core.ProviderEndpoint.
type ProviderEndpointRow struct {
	ID           int64  `gorm:"primaryKey"`
	VendorID     string `gorm:"size:100;not null;index:idx_vendor_type"`
	ProviderType string `gorm:"size:32;not null;index:idx_vendor_type"`
	URL          string `gorm:"size:500;not null"`
	Label        string `gorm:"size:200"`
	SortOrder    int    `gorm:"default:0"`
	Weight       int    `gorm:"default:100"`
	IsEnabled    bool   `gorm:"default:true"`
	LastProbeAt  time.Time
	LastProbeOK  bool `gorm:"default:true"`
	SoftDeleted  bool `gorm:"default:false;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ProviderEndpointRow) TableName() string { return "cch_provider_endpoints" }

// KeyRow is the gorm-mapped persisted shape of core.Key.
type KeyRow struct {
	ID            int64     `gorm:"primaryKey"`
	UserID        int64     `gorm:"not null;index"`
	Raw           string    `gorm:"size:80;not null;uniqueIndex"`
	Enabled       bool      `gorm:"default:true"`
	ExpiresAt     time.Time
	CanLoginWebUI bool `gorm:"default:false"`

	LimitUsd5h      float64 `gorm:"type:decimal(12,4);default:0"`
	LimitUsdDaily   float64 `gorm:"type:decimal(12,4);default:0"`
	LimitUsdWeekly  float64 `gorm:"type:decimal(12,4);default:0"`
	LimitUsdMonthly float64 `gorm:"type:decimal(12,4);default:0"`
	LimitUsdTotal   float64 `gorm:"type:decimal(12,4);default:0"`

	LimitConcurrentSessions int    `gorm:"default:0"`
	DailyResetMode          string `gorm:"size:16;default:fixed"`
	DailyResetTime          string `gorm:"size:5;default:'00:00'"`

	ProviderGroup      string `gorm:"size:500"`
	CacheTTLPreference string `gorm:"size:16;default:inherit"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (KeyRow) TableName() string { return "cch_keys" }

// UserRow is the gorm-mapped persisted shape of core.User.
type UserRow struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"size:200;not null"`
	Role string `gorm:"size:16;default:user"`

	RPM           int     `gorm:"default:0"`
	DailyQuotaUsd float64 `gorm:"type:decimal(12,4);default:0"`

	LimitConcurrentSessions int `gorm:"default:0"`

	ProviderGroup string `gorm:"size:500"`
	Tags          string `gorm:"type:text"` // JSON-encoded []string

	IsEnabled bool `gorm:"default:true"`
	ExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserRow) TableName() string { return "cch_users" }

// MessageRequestRow is the append-only bookkeeping row enqueued by
// respond.Handler after every completed request. See spec §4.8.
type MessageRequestRow struct {
	ID           int64  `gorm:"primaryKey"`
	SessionID    string `gorm:"size:100;index"`
	KeyID        int64  `gorm:"index:idx_message_requests_key"`
	UserID       int64  `gorm:"index:idx_message_requests_user"`
	ProviderID   int64  `gorm:"index"`
	EndpointID   *int64
	Model        string `gorm:"size:200"`
	StatusCode   int
	DurationMs   int64
	InputTokens  int64
	OutputTokens int64
	CostUsd      float64 `gorm:"type:decimal(12,6)"`
	ClientAbort  bool
	CompletedAt  time.Time `gorm:"index"`
}

func (MessageRequestRow) TableName() string { return "cch_message_requests" }

func providerFromRow(r *ProviderRow) *core.Provider {
	return &core.Provider{
		ID:                           r.ID,
		Name:                         r.Name,
		VendorID:                     r.VendorID,
		Type:                         core.ProviderType(r.Type),
		Credential:                   r.Credential,
		URL:                          r.URL,
		GroupTag:                     r.GroupTag,
		Weight:                       r.Weight,
		Priority:                     r.Priority,
		CostMultiplier:               r.CostMultiplier,
		ModelRedirects:               decodeStringMap(r.ModelRedirects),
		AllowedModels:                decodeStringSlice(r.AllowedModels),
		GroupPriorities:              decodeIntMap(r.GroupPriorities),
		LimitUsd5h:                   r.LimitUsd5h,
		LimitUsdDaily:                r.LimitUsdDaily,
		LimitUsdWeekly:               r.LimitUsdWeekly,
		LimitUsdMonthly:              r.LimitUsdMonthly,
		LimitUsdTotal:                r.LimitUsdTotal,
		TotalCostResetAt:             r.TotalCostResetAt,
		LimitConcurrentSessions:      r.LimitConcurrentSessions,
		MaxRetryAttempts:             r.MaxRetryAttempts,
		FailureThreshold:             r.FailureThreshold,
		OpenDurationMs:               r.OpenDurationMs,
		HalfOpenSuccessThreshold:     r.HalfOpenSuccessThreshold,
		ProxyURL:                     r.ProxyURL,
		ProxyFallbackToDirect:        r.ProxyFallbackToDirect,
		PreserveClientIP:             r.PreserveClientIP,
		FirstByteTimeoutStreamingMs:  r.FirstByteTimeoutStreamingMs,
		StreamingIdleTimeoutMs:       r.StreamingIdleTimeoutMs,
		RequestTimeoutNonStreamingMs: r.RequestTimeoutNonStreamingMs,
		CacheTTLPreference:           core.CacheTTLPreference(r.CacheTTLPreference),
		Context1mPreference:         r.Context1mPreference,
		CodexReasoningEffort:        r.CodexReasoningEffort,
		CodexReasoningSummary:       r.CodexReasoningSummary,
		AnthropicMaxTokens:          r.AnthropicMaxTokens,
		AnthropicThinkingBudget:     r.AnthropicThinkingBudget,
		GeminiGoogleSearch:          r.GeminiGoogleSearch,
		MCPPassthrough:              r.MCPPassthrough,
		SoftDeleted:                 r.SoftDeleted,
	}
}

func endpointFromRow(r *ProviderEndpointRow) *core.ProviderEndpoint {
	return &core.ProviderEndpoint{
		ID:           r.ID,
		VendorID:     r.VendorID,
		ProviderType: core.ProviderType(r.ProviderType),
		URL:          r.URL,
		Label:        r.Label,
		SortOrder:    r.SortOrder,
		Weight:       r.Weight,
		IsEnabled:    r.IsEnabled,
		LastProbeAt:  r.LastProbeAt,
		LastProbeOK:  r.LastProbeOK,
		SoftDeleted:  r.SoftDeleted,
	}
}

func keyFromRow(r *KeyRow) *core.Key {
	return &core.Key{
		ID:                      r.ID,
		UserID:                  r.UserID,
		Raw:                     r.Raw,
		Enabled:                 r.Enabled,
		ExpiresAt:               r.ExpiresAt,
		CanLoginWebUI:           r.CanLoginWebUI,
		LimitUsd5h:              r.LimitUsd5h,
		LimitUsdDaily:           r.LimitUsdDaily,
		LimitUsdWeekly:          r.LimitUsdWeekly,
		LimitUsdMonthly:         r.LimitUsdMonthly,
		LimitUsdTotal:           r.LimitUsdTotal,
		LimitConcurrentSessions: r.LimitConcurrentSessions,
		DailyResetMode:          core.DailyResetMode(r.DailyResetMode),
		DailyResetTime:          r.DailyResetTime,
		ProviderGroup:           r.ProviderGroup,
		CacheTTLPreference:      core.CacheTTLPreference(r.CacheTTLPreference),
	}
}

func userFromRow(r *UserRow) *core.User {
	return &core.User{
		ID:                      r.ID,
		Name:                    r.Name,
		Role:                    core.Role(r.Role),
		RPM:                     r.RPM,
		DailyQuotaUsd:           r.DailyQuotaUsd,
		LimitConcurrentSessions: r.LimitConcurrentSessions,
		ProviderGroup:           r.ProviderGroup,
		Tags:                    decodeStringSlice(r.Tags),
		IsEnabled:               r.IsEnabled,
		ExpiresAt:               r.ExpiresAt,
	}
}
