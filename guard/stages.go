package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cch-gateway/cch-gateway/codexsession"
	"github.com/cch-gateway/cch-gateway/core"
	"github.com/cch-gateway/cch-gateway/gatewayerr"
	"github.com/cch-gateway/cch-gateway/ratelimit"
	"github.com/cch-gateway/cch-gateway/session"
)

// KeyLookup resolves a bearer key to the account it authenticates.
// Concrete CRUD storage is an external collaborator per spec §1.
type KeyLookup interface {
	FindByRawKey(ctx context.Context, raw string) (*core.Key, error)
}

// UserLookup resolves a key's owning user.
type UserLookup interface {
	FindByID(ctx context.Context, id int64) (*core.User, error)
}

// extractRawKey pulls the bearer credential from whichever header the
// client's wire format uses, per spec §6 "Authorization".
func extractRawKey(h http.Header) string {
	if auth := h.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}
	if k := h.Get("x-api-key"); k != "" {
		return k
	}
	if k := h.Get("x-goog-api-key"); k != "" {
		return k
	}
	return ""
}

// AuthStage resolves and validates the bearer key, rejecting disabled or
// expired keys with UNAUTHORIZED.
func AuthStage(keys KeyLookup, users UserLookup) Stage {
	return func(ctx context.Context, rc *core.RequestContext) (*core.Response, *gatewayerr.Error) {
		raw := extractRawKey(rc.OriginalHeaders)
		if raw == "" {
			return nil, gatewayerr.New(gatewayerr.KindUnauthorized, "missing credentials")
		}
		key, err := keys.FindByRawKey(ctx, raw)
		if err != nil || key == nil {
			return nil, gatewayerr.New(gatewayerr.KindUnauthorized, "invalid key")
		}
		if !key.Enabled {
			return nil, gatewayerr.New(gatewayerr.KindPermissionDenied, "key disabled")
		}
		if !key.ExpiresAt.IsZero() && key.ExpiresAt.Before(rc.ArrivalTime) {
			return nil, gatewayerr.New(gatewayerr.KindPermissionDenied, "key expired")
		}
		user, err := users.FindByID(ctx, key.UserID)
		if err != nil || user == nil {
			return nil, gatewayerr.New(gatewayerr.KindUnauthorized, "key owner not found")
		}
		if !user.IsEnabled {
			return nil, gatewayerr.New(gatewayerr.KindPermissionDenied, "account disabled")
		}
		rc.Auth = core.AuthState{User: user, Key: key}
		return nil, nil
	}
}

// probePaths never count against session concurrency, per spec §4.3.
var probePaths = map[string]bool{
	"/v1/messages/count_tokens": true,
}

// ProbeStage marks count_tokens-style requests so session/rate-limit
// stages downstream can skip concurrency counting for them.
func ProbeStage() Stage {
	return func(ctx context.Context, rc *core.RequestContext) (*core.Response, *gatewayerr.Error) {
		if probePaths[rc.Path] || strings.HasSuffix(rc.Path, ":countTokens") || strings.HasSuffix(rc.Path, "count_tokens") {
			rc.IsProbe = true
		}
		return nil, nil
	}
}

// sessionIDHeaderNames are the header spellings accepted as an explicit
// session id, per spec §4.4.
var sessionIDHeaderNames = []string{"session_id", "x-session-id"}

func extractHeaderSessionID(h http.Header) string {
	for _, name := range sessionIDHeaderNames {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// codexBodyFields mirrors spec §4.4's Codex body-derived id candidates.
type codexBodyFields struct {
	PromptCacheKey     string `json:"prompt_cache_key"`
	PreviousResponseID string `json:"previous_response_id"`
	Metadata           struct {
		SessionID string `json:"session_id"`
	} `json:"metadata"`
}

func extractBodySessionID(body []byte) string {
	var fields codexBodyFields
	if json.Unmarshal(body, &fields) != nil {
		return ""
	}
	if fields.Metadata.SessionID != "" {
		return fields.Metadata.SessionID
	}
	if fields.PromptCacheKey != "" {
		return fields.PromptCacheKey
	}
	return fields.PreviousResponseID
}

// SessionStage assigns or reuses a session id. For the Codex wire format
// with no explicit id it delegates to the fingerprint completer; otherwise
// it uses the header/body-derived id or mints a fresh uuid.
func SessionStage(tracker *session.Tracker, completer *codexsession.Completer) Stage {
	return func(ctx context.Context, rc *core.RequestContext) (*core.Response, *gatewayerr.Error) {
		headerID := extractHeaderSessionID(rc.OriginalHeaders)
		bodyID := extractBodySessionID(rc.OriginalBody)

		sessionID := headerID
		if sessionID == "" {
			sessionID = bodyID
		}

		if sessionID == "" && rc.OriginalWireFormat == core.WireFormatCodex && completer != nil {
			fingerprint := codexsession.Fingerprint(
				keyIDOf(rc), rc.OriginalHeaders.Get("X-Forwarded-For"), rc.UserAgent, "", string(rc.OriginalBody),
			)
			completed, _, err := completer.Complete(ctx, fingerprint, uuid.NewString())
			if err != nil {
				return nil, gatewayerr.New(gatewayerr.KindInternal, "session fingerprint lookup failed").WithCause(err)
			}
			sessionID = completed
		}
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		rc.SessionID = sessionID
		if !rc.IsProbe && tracker != nil {
			sess, err := tracker.AssignSession(ctx, sessionID, 0, false)
			if err != nil {
				return nil, gatewayerr.New(gatewayerr.KindInternal, "session assignment failed").WithCause(err)
			}
			rc.RequestSequence = sess.RequestSequence
			if sess.StickyProviderID != 0 {
				rc.SpecialSettings = append(rc.SpecialSettings, "sticky_provider")
				rc.StickyProviderID = sess.StickyProviderID
			}
		}
		return nil, nil
	}
}

func keyIDOf(rc *core.RequestContext) string {
	if rc.Auth.Key == nil {
		return ""
	}
	return strconv.FormatInt(rc.Auth.Key.ID, 10)
}

// SensitiveWordChecker flags request content that must be blocked outright.
// The word lists/matching algorithm are an external collaborator; this
// package only calls the narrow interface.
type SensitiveWordChecker interface {
	Check(ctx context.Context, text string) (blocked bool, reason string)
}

// SensitiveWordStage blocks a request whose body trips the checker, per
// spec §6 using HTTP 451 (gatewayerr.KindBlockedBySensitive).
func SensitiveWordStage(checker SensitiveWordChecker) Stage {
	return func(ctx context.Context, rc *core.RequestContext) (*core.Response, *gatewayerr.Error) {
		if checker == nil {
			return nil, nil
		}
		if blocked, reason := checker.Check(ctx, string(rc.OriginalBody)); blocked {
			return nil, gatewayerr.New(gatewayerr.KindBlockedBySensitive, "request blocked: "+reason)
		}
		return nil, nil
	}
}

// RateLimitStage runs the full ratelimit.Limiter.Check and stores the
// reserved leases on the request context for later settlement. Probe
// requests skip gating entirely per spec §4.3.
func RateLimitStage(limiter *ratelimit.Limiter, estimatedCost func(rc *core.RequestContext) float64) Stage {
	return func(ctx context.Context, rc *core.RequestContext) (*core.Response, *gatewayerr.Error) {
		if rc.IsProbe || limiter == nil {
			return nil, nil
		}
		cost := 0.0
		if estimatedCost != nil {
			cost = estimatedCost(rc)
		}
		leases, err := limiter.Check(ctx, rc.Auth.Key, rc.Auth.User, cost)
		if err != nil {
			return nil, err
		}
		rc.RateLimitLeases = append(rc.RateLimitLeases, leases...)
		return nil, nil
	}
}

// ProviderGateStage resolves the effective model name (applying a system
// billingModelSource redirect when the caller supplies one) and rejects
// requests with no resolvable model before the expensive selection and
// forwarding stages run.
// MCP passthrough requests carry no model at all (spec §4.6 "for MCP
// passthrough paths the legacy provider.url is accepted"), so the
// no-resolvable-model rejection only applies to the standard upstream
// wire formats.
func ProviderGateStage(resolveModel func(rc *core.RequestContext) string) Stage {
	return func(ctx context.Context, rc *core.RequestContext) (*core.Response, *gatewayerr.Error) {
		if resolveModel != nil {
			rc.Model = resolveModel(rc)
		}
		if rc.Model == "" && rc.OriginalWireFormat != core.WireFormatMCP {
			return nil, gatewayerr.New(gatewayerr.KindInternal, "request carries no resolvable model")
		}
		return nil, nil
	}
}
