package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
	"github.com/cch-gateway/cch-gateway/forward"
	"github.com/cch-gateway/cch-gateway/gatewayerr"
	"github.com/cch-gateway/cch-gateway/guard"
	"github.com/cch-gateway/cch-gateway/respond"
	"github.com/cch-gateway/cch-gateway/session"
)

// maxRequestBody bounds how much of an incoming request this package will
// read into memory before handing it to the guard chain, mirroring
// respond.Handler's own bound on the upstream response side.
const maxRequestBody = 32 << 20 // 32MiB

// ProviderSource lists every provider candidate the selector may consider.
// Concrete CRUD storage is an external collaborator per spec §1; this
// package only calls the narrow interface.
type ProviderSource interface {
	ListActive(ctx context.Context) ([]*core.Provider, error)
}

// Handler is the L4 HTTP entrypoint of spec §2's layering table: for every
// incoming request it builds a core.RequestContext, runs the guard chain,
// drives the forwarder, delivers the response and owns the finally-block
// session-concurrency accounting.
type Handler struct {
	Chain     *guard.Chain
	Forwarder *forward.Forwarder
	Responder *respond.Handler
	Tracker   *session.Tracker
	Providers ProviderSource
	Logger    *zap.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	rt := resolveRoute(r.Method, r.URL.Path, body)
	if !rt.matched {
		http.NotFound(w, r)
		return
	}
	if rt.isModels {
		h.listModels(w, r)
		return
	}

	abort := make(chan struct{})
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-r.Context().Done():
			close(abort)
		}
	}()

	rc := &core.RequestContext{
		Method:             r.Method,
		Path:               r.URL.Path,
		OriginalHeaders:    r.Header.Clone(),
		OriginalBody:       body,
		ArrivalTime:        time.Now(),
		OriginalWireFormat: rt.format,
		UserAgent:          r.UserAgent(),
		ClientAbort:        abort,
		Streaming:          rt.streaming,
		Model:              rt.model,
	}

	resp, gwErr := h.Chain.Run(ctx, rc)
	if gwErr != nil {
		h.writeError(w, gwErr)
		return
	}

	// The increment side of this pairing already happened atomically inside
	// guard.RateLimitStage (ratelimit.Limiter.Check -> Store.CheckAndTrackConcurrent):
	// reaching here with no gwErr means the guard chain's concurrency check
	// tracked this request's session. This defer only owns the matching
	// decrement, which doesn't need the same atomicity.
	incremented := !rc.IsProbe
	defer func() {
		if incremented {
			h.Tracker.DecrementConcurrent(context.WithoutCancel(ctx), keyID(rc), userID(rc))
		}
	}()

	if resp == nil {
		providers, err := h.Providers.ListActive(ctx)
		if err != nil {
			h.writeError(w, gatewayerr.New(gatewayerr.KindInternal, "failed to load providers").WithCause(err))
			return
		}
		fwResp, fwErr := h.Forwarder.Forward(ctx, rc, providers, rc.Auth.Key, rc.Auth.User, rc.StickyProviderID, core.WireFormatForProviderType)
		if fwErr != nil {
			h.writeError(w, fwErr)
			return
		}
		resp = fwResp
	}

	if rc.Provider != nil && !rc.IsProbe && h.Tracker != nil {
		if _, err := h.Tracker.AssignSession(context.WithoutCancel(ctx), rc.SessionID, rc.Provider.ID, false); err != nil {
			h.Logger.Warn("failed to persist sticky provider", zap.Error(err))
		}
	}

	h.deliver(ctx, w, rc, resp)
}

func (h *Handler) deliver(ctx context.Context, w http.ResponseWriter, rc *core.RequestContext, resp *core.Response) {
	for k, vals := range resp.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(statusOrDefault(resp.StatusCode))

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	if gwErr := h.Responder.Deliver(ctx, rc, resp, w, flush, nil); gwErr != nil {
		h.Logger.Debug("response delivery ended with an error", zap.String("kind", string(gwErr.Kind)), zap.Error(gwErr))
	}
}

func statusOrDefault(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func (h *Handler) writeError(w http.ResponseWriter, gwErr *gatewayerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gwErr.HTTPStatus)
	body := map[string]any{
		"error": map[string]any{
			"kind":    gwErr.Kind,
			"message": gwErr.Message,
		},
	}
	if len(gwErr.Details) > 0 {
		body["error"].(map[string]any)["details"] = gwErr.Details
	}
	_ = json.NewEncoder(w).Encode(body)
}

func keyID(rc *core.RequestContext) int64 {
	if rc.Auth.Key == nil {
		return 0
	}
	return rc.Auth.Key.ID
}

func userID(rc *core.RequestContext) int64 {
	if rc.Auth.User == nil {
		return 0
	}
	return rc.Auth.User.ID
}

// listModels implements "GET /v1/models" per spec §6: the response is in
// Anthropic format when the Accept header mentions "anthropic" or an
// x-api-key header is present, and in OpenAI format otherwise. The request
// path plays no part, since this is the one surface endpoint with no
// wire-format-carrying body.
func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providers, err := h.Providers.ListActive(ctx)
	if err != nil {
		h.writeError(w, gatewayerr.New(gatewayerr.KindInternal, "failed to load providers").WithCause(err))
		return
	}
	seen := make(map[string]struct{})
	var models []string
	for _, p := range providers {
		for _, m := range p.AllowedModels {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				models = append(models, m)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if strings.Contains(r.Header.Get("Accept"), "anthropic") || r.Header.Get("x-api-key") != "" {
		writeAnthropicModelList(w, models)
		return
	}
	writeOpenAIModelList(w, models)
}

func writeOpenAIModelList(w http.ResponseWriter, models []string) {
	type modelEntry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	entries := make([]modelEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, modelEntry{ID: m, Object: "model"})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": entries})
}

func writeAnthropicModelList(w http.ResponseWriter, models []string) {
	type modelEntry struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	entries := make([]modelEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, modelEntry{ID: m, Type: "model"})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": entries})
}
