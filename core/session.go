package core

import "time"

// Session is a correlation id that groups a conversation across multiple
// requests so provider affinity and usage can be attributed. See spec §3
// "Session".
type Session struct {
	ID               string
	StickyProviderID int64
	RequestSequence  int64
	LastRequestAt    time.Time
	CachedMessages   []byte
	LongLived        bool
}

// WireFormat identifies the client-facing protocol dialect of an incoming
// request.
type WireFormat string

const (
	WireFormatClaude  WireFormat = "claude"
	WireFormatOpenAI  WireFormat = "openai"
	WireFormatCodex   WireFormat = "codex"
	WireFormatGemini  WireFormat = "gemini"
	WireFormatMCP     WireFormat = "mcp"
)

// CompatibleProviderTypes returns the 1-2 ProviderTypes that can serve a
// request arriving in the given WireFormat. See spec §4.5 step 1.
func CompatibleProviderTypes(f WireFormat) []ProviderType {
	switch f {
	case WireFormatClaude:
		return []ProviderType{ProviderTypeClaude, ProviderTypeClaudeAuth}
	case WireFormatOpenAI:
		return []ProviderType{ProviderTypeOpenAICompat}
	case WireFormatCodex:
		return []ProviderType{ProviderTypeCodex}
	case WireFormatGemini:
		return []ProviderType{ProviderTypeGemini, ProviderTypeGeminiCLI}
	default:
		return nil
	}
}

// WireFormatForProviderType returns the wire format a provider of the
// given type natively speaks, the inverse of CompatibleProviderTypes. The
// forwarder uses this to pick the transform.Registry entry that converts
// from the client's wire format to the provider's.
func WireFormatForProviderType(pt ProviderType) WireFormat {
	switch pt {
	case ProviderTypeClaude, ProviderTypeClaudeAuth:
		return WireFormatClaude
	case ProviderTypeOpenAICompat:
		return WireFormatOpenAI
	case ProviderTypeCodex:
		return WireFormatCodex
	case ProviderTypeGemini, ProviderTypeGeminiCLI:
		return WireFormatGemini
	default:
		return ""
	}
}
