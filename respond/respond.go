// Package respond implements the response handler described in spec
// §4.8: it delivers a forwarded response to the client (streaming or
// buffered), reclassifies a "fake 200" as an upstream failure, and runs
// the post-hoc bookkeeping (cost computation, rate-limit lease
// settlement, message_request enqueue, session-activity publish)
// asynchronously so it completes even when the client aborted mid-stream.
package respond

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
	"github.com/cch-gateway/cch-gateway/gatewayerr"
	"github.com/cch-gateway/cch-gateway/pricing"
	"github.com/cch-gateway/cch-gateway/ratelimit"
)

// maxBufferedBody bounds how much of a non-streaming response this
// package will read into memory, per spec §4.8 "read whole body (bounded
// by size)".
const maxBufferedBody = 32 << 20 // 32MiB

// UsageExtractor pulls token usage out of a response body. The concrete
// per-vendor parsing is an external collaborator (spec §1 "Non-goals":
// wire-format-specific parsing); this package only calls the narrow
// interface.
type UsageExtractor interface {
	Extract(body []byte) (pricing.Usage, bool)
}

// NoopUsageExtractor never finds usage; it is the safe default when no
// vendor-aware extractor is wired.
type NoopUsageExtractor struct{}

func (NoopUsageExtractor) Extract([]byte) (pricing.Usage, bool) { return pricing.Usage{}, false }

// Bookkeeping is the row enqueued into the message_request write buffer
// after a request completes, successfully or not.
type Bookkeeping struct {
	SessionID   string
	KeyID       int64
	UserID      int64
	ProviderID  int64
	EndpointID  *int64
	Model       string
	StatusCode  int
	DurationMs  int64
	Usage       pricing.Usage
	CostUsd     float64
	ClientAbort bool
	CompletedAt time.Time
}

// Sink is the single-writer message_request write buffer this package
// enqueues into; see the repository package for the concrete
// bounded-channel implementation.
type Sink interface {
	Enqueue(ctx context.Context, row Bookkeeping) error
}

// ActivityPublisher announces that a session handled one more request, for
// whatever metrics/usage-dashboard consumer is wired.
type ActivityPublisher interface {
	PublishActivity(ctx context.Context, sessionID string) error
}

// ChunkTransformer re-translates one SSE/chunked-JSON frame from the
// provider's wire format to the client's, mirroring
// transform.StreamChunkTransformer without importing that package
// directly (this package only needs the function shape).
type ChunkTransformer func(chunk []byte) ([]byte, error)

// NonStreamTransformer is the non-streaming analogue of ChunkTransformer.
type NonStreamTransformer func(body []byte) ([]byte, error)

// Handler implements spec §4.8.
type Handler struct {
	calculator pricing.Calculator
	limiter    *ratelimit.Limiter
	sink       Sink
	activity   ActivityPublisher
	usage      UsageExtractor
	logger     *zap.Logger
}

func New(calculator pricing.Calculator, limiter *ratelimit.Limiter, sink Sink, activity ActivityPublisher, usage UsageExtractor, logger *zap.Logger) *Handler {
	if usage == nil {
		usage = NoopUsageExtractor{}
	}
	return &Handler{
		calculator: calculator,
		limiter:    limiter,
		sink:       sink,
		activity:   activity,
		usage:      usage,
		logger:     logger.With(zap.String("component", "respond")),
	}
}

// Deliver writes resp to w. For a streaming response it copies chunks as
// they arrive, re-translating each with chunkTransform, and stops (and
// cancels upstream) on client abort. For a buffered response it runs
// fake-200 detection first. It always schedules bookkeeping, even when it
// returns an error or the client aborted.
func (h *Handler) Deliver(ctx context.Context, rc *core.RequestContext, resp *core.Response, w io.Writer, flush func(), chunkTransform ChunkTransformer) *gatewayerr.Error {
	if resp.Stream != nil {
		return h.deliverStream(ctx, rc, resp, w, flush, chunkTransform)
	}
	return h.deliverBuffered(ctx, rc, resp, w)
}

func (h *Handler) deliverBuffered(ctx context.Context, rc *core.RequestContext, resp *core.Response, w io.Writer) *gatewayerr.Error {
	body := resp.Body
	if len(body) > maxBufferedBody {
		body = body[:maxBufferedBody]
	}

	if fakeReason := detectFake200(resp.StatusCode, body); fakeReason != "" {
		h.scheduleBookkeeping(rc, h.bookkeepingFor(rc, resp.StatusCode, pricing.Usage{}, 0, false), false)
		return gatewayerr.New(gatewayerr.KindFake200, "upstream returned a fake success: "+fakeReason).WithHTTPStatus(502)
	}

	if _, err := w.Write(body); err != nil {
		h.logger.Warn("failed writing response to client", zap.Error(err))
	}

	usage, _ := h.usage.Extract(body)
	cost := 0.0
	if h.calculator != nil && rc.Provider != nil {
		cost = h.calculator.Cost(rc.Model, usage, rc.Provider.CostMultiplier)
	}
	h.scheduleBookkeeping(rc, h.bookkeepingFor(rc, resp.StatusCode, usage, cost, false), true)
	return nil
}

func (h *Handler) deliverStream(ctx context.Context, rc *core.RequestContext, resp *core.Response, w io.Writer, flush func(), chunkTransform ChunkTransformer) *gatewayerr.Error {
	if chunkTransform == nil {
		chunkTransform = func(b []byte) ([]byte, error) { return b, nil }
	}
	defer resp.Stream.Cancel()

	var usageBuf bytes.Buffer
	buf := make([]byte, 32*1024)
	aborted := false

readLoop:
	for {
		select {
		case <-rc.ClientAbort:
			aborted = true
			break readLoop
		case <-ctx.Done():
			aborted = true
			break readLoop
		default:
		}

		n, err := resp.Stream.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			usageBuf.Write(chunk)
			translated, terr := chunkTransform(chunk)
			if terr != nil {
				translated = chunk
			}
			if _, werr := w.Write(translated); werr != nil {
				h.logger.Warn("failed writing stream chunk to client", zap.Error(werr))
				break readLoop
			}
			if flush != nil {
				flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Warn("stream read ended with error", zap.Error(err))
			}
			break readLoop
		}
	}

	usage, _ := h.usage.Extract(usageBuf.Bytes())
	cost := 0.0
	if h.calculator != nil && rc.Provider != nil {
		cost = h.calculator.Cost(rc.Model, usage, rc.Provider.CostMultiplier)
	}
	bk := h.bookkeepingFor(rc, resp.StatusCode, usage, cost, aborted)
	h.scheduleBookkeeping(rc, bk, true)

	if aborted {
		return gatewayerr.New(gatewayerr.KindUpstreamError, "client aborted stream").WithRetryable(false)
	}
	return nil
}

func (h *Handler) bookkeepingFor(rc *core.RequestContext, statusCode int, usage pricing.Usage, cost float64, clientAbort bool) Bookkeeping {
	bk := Bookkeeping{
		SessionID:   rc.SessionID,
		Model:       rc.Model,
		StatusCode:  statusCode,
		Usage:       usage,
		CostUsd:     cost,
		ClientAbort: clientAbort,
		CompletedAt: time.Now(),
	}
	if rc.Provider != nil {
		bk.ProviderID = rc.Provider.ID
	}
	if rc.ActiveEndpoint != nil {
		id := rc.ActiveEndpoint.ID
		bk.EndpointID = &id
	}
	if rc.Auth.Key != nil {
		bk.KeyID = rc.Auth.Key.ID
	}
	if rc.Auth.User != nil {
		bk.UserID = rc.Auth.User.ID
	}
	return bk
}

// scheduleBookkeeping runs lease settlement, the write-buffer enqueue and
// the activity publish on a detached context so they complete even if
// ctx (the request's own context) has already been cancelled by client
// abort, per spec §5 "the finally block still runs lease reconciliation".
func (h *Handler) scheduleBookkeeping(rc *core.RequestContext, bk Bookkeeping, settleLeases bool) {
	leases := rc.RateLimitLeases
	sessionID := rc.SessionID
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if settleLeases && h.limiter != nil {
			h.limiter.Settle(bgCtx, leases, bk.CostUsd)
		}
		if h.sink != nil {
			if err := h.sink.Enqueue(bgCtx, bk); err != nil {
				h.logger.Warn("failed to enqueue message_request row", zap.Error(err))
			}
		}
		if h.activity != nil && sessionID != "" {
			if err := h.activity.PublishActivity(bgCtx, sessionID); err != nil {
				h.logger.Warn("failed to publish session activity", zap.Error(err))
			}
		}
	}()
}

// detectFake200 reclassifies a 200 response with an empty body, an HTML
// body, or an embedded JSON error field as an upstream failure, per spec
// §4.8 "Fake-200 detection".
func detectFake200(statusCode int, body []byte) string {
	if statusCode != 200 {
		return ""
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "empty body"
	}
	if bytes.HasPrefix(trimmed, []byte("<")) || strings.Contains(strings.ToLower(string(trimmed[:min(64, len(trimmed))])), "<html") {
		return "html body"
	}
	var probe struct {
		Error any `json:"error"`
	}
	if json.Unmarshal(trimmed, &probe) == nil && probe.Error != nil {
		return "embedded json error field"
	}
	return ""
}
