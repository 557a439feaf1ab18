// Package forward drives the retry loop across providers and endpoints
// described in spec §4.7: build the outgoing request, dispatch it under a
// per-attempt deadline, classify the outcome, record it into both the
// circuit breaker and the request's decision-chain audit trail, and decide
// whether and how to retry. It is the one package that actually talks to
// an upstream vendor over HTTP.
package forward

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
	"github.com/cch-gateway/cch-gateway/endpoint"
	"github.com/cch-gateway/cch-gateway/gatewayerr"
	"github.com/cch-gateway/cch-gateway/internal/tlsutil"
	"github.com/cch-gateway/cch-gateway/selector"
	"github.com/cch-gateway/cch-gateway/transform"
)

// defaultMaxRetryAttempts is used when a provider leaves MaxRetryAttempts
// unset (<=0).
const defaultMaxRetryAttempts = 3

// forwardedHeaderWhitelist lists the only client headers (lower-cased)
// copied onto the upstream request, per spec §4.7 step 1 "copy a
// whitelist"; every other original header is dropped.
var forwardedHeaderWhitelist = map[string]bool{
	"accept":            true,
	"accept-encoding":   true,
	"accept-language":   true,
	"content-type":      true,
	"user-agent":        true,
	"anthropic-version": true,
	"anthropic-beta":    true,
	"openai-beta":       true,
}

// BreakerChecker is the provider+endpoint breaker surface the forwarder
// records outcomes into.
type BreakerChecker interface {
	RecordProviderResult(ctx context.Context, providerID int64, success bool) error
	RecordEndpointResult(ctx context.Context, endpointID int64, cfg core.BreakerConfig, success bool) error
}

// AuthInjector sets the upstream authorization header/value appropriate
// for one provider's providerType. It is an external collaborator (spec
// §1 "Non-goals": per-vendor credential formats) rather than something
// this package hardcodes.
type AuthInjector interface {
	Inject(req *http.Request, provider *core.Provider) error
}

// Forwarder implements spec §4.7.
type Forwarder struct {
	selector    *selector.Selector
	resolver    *endpoint.Resolver
	breaker     BreakerChecker
	transformer *transform.Registry
	auth        AuthInjector
	logger      *zap.Logger

	clientFor func(provider *core.Provider, useProxy bool) *http.Client
}

func New(sel *selector.Selector, resolver *endpoint.Resolver, breaker BreakerChecker, transformer *transform.Registry, auth AuthInjector, logger *zap.Logger) *Forwarder {
	f := &Forwarder{
		selector:    sel,
		resolver:    resolver,
		breaker:     breaker,
		transformer: transformer,
		auth:        auth,
		logger:      logger.With(zap.String("component", "forwarder")),
	}
	f.clientFor = f.buildClient
	return f
}

// providers is every configured candidate; key/user/wireFormat/model drive
// selection; stickyProviderID is 0 unless session reuse applies.
func (f *Forwarder) Forward(ctx context.Context, rc *core.RequestContext, providers []*core.Provider, key *core.Key, user *core.User, stickyProviderID int64, targetWireFormat func(core.ProviderType) core.WireFormat) (*core.Response, *gatewayerr.Error) {
	attempt := 0
	for {
		tried := rc.TriedProviderIDs()
		result := f.selector.Select(ctx, providers, key, user, rc.OriginalWireFormat, rc.Model, tried, stickyProviderID)
		if result.Chosen == nil {
			return nil, gatewayerr.New(gatewayerr.KindNoProviderAvailable, "no provider candidate available").WithDetail("filtered", len(result.Decision.FilteredProviders))
		}

		reason := core.ReasonInitialSelection
		if attempt == 0 && result.StickyUsed {
			reason = core.ReasonSessionReuse
		} else if attempt > 0 {
			reason = core.ReasonRetrySuccess
		}

		resp, gwErr := f.attempt(ctx, rc, result.Chosen, &result.Decision, reason, targetWireFormat)
		attempt++
		if gwErr == nil {
			return resp, nil
		}

		maxAttempts := result.Chosen.MaxRetryAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxRetryAttempts
		}
		if !gwErr.Retryable || attempt >= maxAttempts {
			return nil, gwErr
		}
	}
}

func (f *Forwarder) attempt(ctx context.Context, rc *core.RequestContext, provider *core.Provider, decision *core.DecisionContext, reason core.ChainReason, targetWireFormat func(core.ProviderType) core.WireFormat) (*core.Response, *gatewayerr.Error) {
	path := rc.Path
	resolution, strictCause, err := f.resolver.Resolve(ctx, provider, path)
	if err != nil {
		item := core.NewChainItem(provider, 0)
		item.Reason = core.ReasonEndpointPoolExhausted
		item.ErrorCategory = core.ErrorCategorySystem
		item.ErrorMessage = err.Error()
		item.DecisionContext = decision
		item.StrictBlockCause = strictCause
		rc.AppendChainItem(item)
		if strictCause != nil {
			return nil, gatewayerr.New(gatewayerr.KindEndpointExhausted, "no endpoint available for provider").WithProvider(provider.Name)
		}
		// MCP passthrough: fall back to provider.url directly.
		resolution = &endpoint.Resolution{URL: provider.URL}
	}

	providerWireFormat := targetWireFormat(provider.Type)
	entry := f.transformer.Resolve(rc.OriginalWireFormat, providerWireFormat)

	outBody, err := entry.Request(rc.OriginalBody, rc.Model)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindInternal, "request body translation failed").WithCause(err)
	}

	req, err := f.buildRequest(ctx, rc, provider, resolution.URL, outBody)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindInternal, "failed to build upstream request").WithCause(err)
	}

	start := time.Now()
	client := f.clientFor(provider, provider.ProxyURL != "")
	httpResp, err := client.Do(req)

	if err != nil && provider.ProxyURL != "" && provider.ProxyFallbackToDirect {
		f.logger.Warn("proxy attempt failed, retrying direct", zap.String("provider", provider.Name), zap.Error(err))
		directReq, buildErr := f.buildRequest(ctx, rc, provider, resolution.URL, outBody)
		if buildErr == nil {
			directClient := f.clientFor(provider, false)
			httpResp, err = directClient.Do(directReq)
		}
	}

	durationMs := time.Since(start).Milliseconds()

	item := core.NewChainItem(provider, 0)
	item.DurationMs = durationMs
	item.DecisionContext = decision
	if resolution.Endpoint != nil {
		id := resolution.Endpoint.ID
		item.EndpointID = &id
		item.EndpointURL = core.RedactEndpointURL(resolution.Endpoint.URL)
	} else {
		item.EndpointURL = core.RedactEndpointURL(resolution.URL)
	}

	if err != nil {
		item.Reason = core.ReasonSystemError
		item.ErrorCategory = core.ErrorCategorySystem
		item.ErrorMessage = err.Error()
		rc.AppendChainItem(item)
		f.record(ctx, provider, resolution.Endpoint, false)
		return nil, gatewayerr.New(gatewayerr.KindUpstreamError, "upstream request failed").WithCause(err).WithRetryable(true).WithProvider(provider.Name)
	}
	defer httpResp.Body.Close()

	item.StatusCode = httpResp.StatusCode
	category := classifyStatus(httpResp.StatusCode)
	success := category == core.ErrorCategoryNone

	if success && rc.Streaming {
		item.Reason = reason
		if reason == core.ReasonInitialSelection {
			item.Reason = core.ReasonRequestSuccess
		}
		rc.AppendChainItem(item)
		f.record(ctx, provider, resolution.Endpoint, true)
		rc.Provider = provider
		rc.ActiveEndpoint = resolution.Endpoint
		cancelled := httpResp.Body
		return &core.Response{
			StatusCode: httpResp.StatusCode,
			Headers:    httpResp.Header,
			Stream: &core.StreamResponse{
				Body:   cancelled,
				Cancel: func() { cancelled.Close() },
			},
		}, nil
	}

	body, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		item.Reason = core.ReasonSystemError
		item.ErrorCategory = core.ErrorCategorySystem
		item.ErrorMessage = readErr.Error()
		rc.AppendChainItem(item)
		f.record(ctx, provider, resolution.Endpoint, false)
		return nil, gatewayerr.New(gatewayerr.KindUpstreamError, "failed to read upstream response body").WithCause(readErr).WithRetryable(true).WithProvider(provider.Name)
	}

	translated, transErr := entry.NonStream(body)
	if transErr != nil {
		translated = body
	}

	if !success {
		item.ErrorCategory = category
		item.ErrorMessage = string(translated)
		switch category {
		case core.ErrorCategoryClientNonRetryable:
			item.Reason = core.ReasonClientErrorNonRetry
		case core.ErrorCategoryConcurrentLimitFailed:
			item.Reason = core.ReasonConcurrentLimitFailed
		default:
			item.Reason = core.ReasonRetryFailed
		}
		rc.AppendChainItem(item)
		f.record(ctx, provider, resolution.Endpoint, false)
		retryable := category == core.ErrorCategorySystem || category == core.ErrorCategoryProvider || category == core.ErrorCategoryConcurrentLimitFailed
		return nil, gatewayerr.New(gatewayerr.KindUpstreamError, "upstream returned an error status").
			WithHTTPStatus(httpResp.StatusCode).WithRetryable(retryable).WithProvider(provider.Name)
	}

	item.Reason = reason
	if reason == core.ReasonInitialSelection {
		item.Reason = core.ReasonRequestSuccess
	}
	rc.AppendChainItem(item)
	f.record(ctx, provider, resolution.Endpoint, true)

	rc.Provider = provider
	rc.ActiveEndpoint = resolution.Endpoint

	return &core.Response{StatusCode: httpResp.StatusCode, Headers: httpResp.Header, Body: translated}, nil
}

func (f *Forwarder) record(ctx context.Context, provider *core.Provider, ep *core.ProviderEndpoint, success bool) {
	recordCtx := context.WithoutCancel(ctx)
	if err := f.breaker.RecordProviderResult(recordCtx, provider.ID, success); err != nil {
		f.logger.Warn("failed to record provider breaker result", zap.Int64("providerId", provider.ID), zap.Error(err))
	}
	if ep != nil {
		cfg := core.BreakerConfig{
			FailureThreshold:         provider.FailureThreshold,
			OpenDuration:             time.Duration(provider.OpenDurationMs) * time.Millisecond,
			HalfOpenSuccessThreshold: provider.HalfOpenSuccessThreshold,
		}
		if err := f.breaker.RecordEndpointResult(recordCtx, ep.ID, cfg, success); err != nil {
			f.logger.Warn("failed to record endpoint breaker result", zap.Int64("endpointId", ep.ID), zap.Error(err))
		}
	}
}

// classifyStatus maps an upstream HTTP status to an ErrorCategory per spec
// §4.7 step 4.
func classifyStatus(status int) core.ErrorCategory {
	switch {
	case status >= 200 && status < 300:
		return core.ErrorCategoryNone
	case status == 429:
		return core.ErrorCategoryConcurrentLimitFailed
	case status == 400 || status == 404 || status == 422:
		return core.ErrorCategoryClientNonRetryable
	case status == 401 || status == 403:
		return core.ErrorCategoryClientNonRetryable
	case status >= 500:
		return core.ErrorCategoryProvider
	default:
		return core.ErrorCategoryProvider
	}
}

func (f *Forwarder) buildRequest(ctx context.Context, rc *core.RequestContext, provider *core.Provider, targetURL string, body []byte) (*http.Request, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, rc.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range rc.OriginalHeaders {
		if !forwardedHeaderWhitelist[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Host = parsed.Host
	if f.auth != nil {
		if err := f.auth.Inject(req, provider); err != nil {
			return nil, err
		}
	}
	if provider.PreserveClientIP && rc.OriginalHeaders.Get("X-Forwarded-For") != "" {
		req.Header.Set("X-Forwarded-For", rc.OriginalHeaders.Get("X-Forwarded-For"))
	}
	return req, nil
}

// buildClient constructs the *http.Client for one attempt. Its only
// deadline is the client Timeout, set from RequestTimeoutNonStreamingMs
// (60s when unset); it covers the whole exchange including reading the
// body, for streaming and non-streaming requests alike. No separate
// first-byte or idle-gap timeout is applied to streaming responses.
func (f *Forwarder) buildClient(provider *core.Provider, useProxy bool) *http.Client {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsutil.DefaultTLSConfig(),
	}
	if useProxy && provider.ProxyURL != "" {
		if proxyURL, err := url.Parse(provider.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	timeout := time.Duration(provider.RequestTimeoutNonStreamingMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}
