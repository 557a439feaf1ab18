// Package alert defines the fire-and-forget "send alert" interface the
// circuit breaker calls when a provider trips open (spec §4.1
// "RecordFailure ... schedule an alert (fire-and-forget)"). Notification
// delivery (webhooks, email, chat integrations) is an external
// collaborator per spec §1 "Out of scope"; this package only owns the
// interface and a logging-only fallback implementation.
package alert

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Kind identifies the class of event an alert reports.
type Kind string

const (
	KindCircuitOpened      Kind = "circuit_opened"
	KindCircuitClosed      Kind = "circuit_closed"
	KindVendorTypeFuseOpen Kind = "vendor_type_fuse_opened"
	KindEndpointExhausted  Kind = "endpoint_pool_exhausted"
)

// Alert is one notification-worthy event.
type Alert struct {
	Kind      Kind
	Subject   string // e.g. provider name, or "vendor/providerType"
	Message   string
	Fields    map[string]any
	Timestamp time.Time
}

// Sender delivers an Alert to whatever external channel is configured.
// Send must not block the caller meaningfully; implementations that do
// I/O should apply their own short timeout and swallow errors, since per
// spec §4.1 "schedule an alert (fire-and-forget)" a failed notification
// must never fail the request that triggered it.
type Sender interface {
	Send(ctx context.Context, a Alert)
}

// LoggingSender is the built-in fallback: it logs every alert at Warn
// level and delivers nothing externally. It is always safe to construct
// and is the default wired in cmd/cch-gateway when no external
// notification webhook is configured.
type LoggingSender struct {
	logger *zap.Logger
}

func NewLoggingSender(logger *zap.Logger) *LoggingSender {
	return &LoggingSender{logger: logger.With(zap.String("component", "alert"))}
}

func (s *LoggingSender) Send(_ context.Context, a Alert) {
	s.logger.Warn("alert",
		zap.String("kind", string(a.Kind)),
		zap.String("subject", a.Subject),
		zap.String("message", a.Message),
		zap.Any("fields", a.Fields),
	)
}

// Fire dispatches a to sender on its own goroutine with a bounded
// timeout, matching the "fire-and-forget Redis writes" pattern of spec §9
// applied to alert delivery: the caller never waits on it and a slow or
// failing sender can never affect request latency.
func Fire(sender Sender, a Alert) {
	if sender == nil {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sender.Send(ctx, a)
	}()
}
