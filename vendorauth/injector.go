// Package vendorauth implements forward.AuthInjector: it sets the
// upstream authorization header in the form each providerType's vendor
// expects, using the credential stored on the provider row. Concrete
// per-vendor header conventions are narrow and stable enough to live
// here rather than behind a further external collaborator, unlike the
// wire-format body translation itself (spec §1 "Non-goals").
package vendorauth

import (
	"fmt"
	"net/http"

	"github.com/cch-gateway/cch-gateway/core"
)

// HeaderInjector sets the provider's credential on the outgoing request
// using the header convention of its providerType.
type HeaderInjector struct{}

func NewHeaderInjector() *HeaderInjector { return &HeaderInjector{} }

// Inject implements forward.AuthInjector.
func (HeaderInjector) Inject(req *http.Request, provider *core.Provider) error {
	if provider.Credential == "" {
		return nil
	}
	switch provider.Type {
	case core.ProviderTypeClaude:
		req.Header.Set("x-api-key", provider.Credential)
	case core.ProviderTypeClaudeAuth, core.ProviderTypeCodex, core.ProviderTypeOpenAICompat:
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", provider.Credential))
	case core.ProviderTypeGemini, core.ProviderTypeGeminiCLI:
		req.Header.Set("x-goog-api-key", provider.Credential)
	default:
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", provider.Credential))
	}
	return nil
}
