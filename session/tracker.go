// Package session tracks per-key and per-user concurrent-session counts
// and the provider affinity ("sticky" assignment) of each session id, so
// that repeat requests within a conversation prefer the provider that
// served the first request. See spec §4.3 "Session Tracking".
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
)

// concurrentKeyFormat must stay byte-for-byte identical to the format
// ratelimit.Store uses for the same counter: both packages increment and
// read the same Redis key so a session's concurrency is visible to the
// rate limiter without a second source of truth.
const concurrentKeyFormat = "cch:quota:concurrent:%s:%d"

const sessionKeyFormat = "cch:session:%s"

// DefaultTTL is the session record lifetime refreshed on every request.
// See spec §6 "SESSION_TTL".
const DefaultTTL = 300 * time.Second

type Tracker struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewTracker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{redis: client, ttl: ttl, logger: logger.With(zap.String("component", "session_tracker"))}
}

func concurrentKey(subject core.Subject, id int64) string {
	return fmt.Sprintf(concurrentKeyFormat, subject, id)
}

// IncrementConcurrent records one in-flight request against both the key
// and the user, paired exactly once per request with DecrementConcurrent
// except for count_tokens-style probes (spec §4.3 "Probe exemption").
func (t *Tracker) IncrementConcurrent(ctx context.Context, keyID, userID int64) error {
	pipe := t.redis.Pipeline()
	pipe.Incr(ctx, concurrentKey(core.SubjectKey, keyID))
	pipe.Incr(ctx, concurrentKey(core.SubjectUser, userID))
	_, err := pipe.Exec(ctx)
	return err
}

// DecrementConcurrent must be called exactly once for every successful
// IncrementConcurrent, typically from a defer so it runs on every exit
// path including client abort.
func (t *Tracker) DecrementConcurrent(ctx context.Context, keyID, userID int64) {
	pipe := t.redis.Pipeline()
	pipe.Decr(ctx, concurrentKey(core.SubjectKey, keyID))
	pipe.Decr(ctx, concurrentKey(core.SubjectUser, userID))
	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Warn("failed to decrement concurrent session counters", zap.Error(err))
	}
}

// GetKeySessionCount returns the current concurrent count for a key.
func (t *Tracker) GetKeySessionCount(ctx context.Context, keyID int64) (int64, error) {
	v, err := t.redis.Get(ctx, concurrentKey(core.SubjectKey, keyID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

// GetActiveSessions returns the current concurrent count for a user.
func (t *Tracker) GetActiveSessions(ctx context.Context, userID int64) (int64, error) {
	v, err := t.redis.Get(ctx, concurrentKey(core.SubjectUser, userID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

// Get loads the session record for id, or nil if it doesn't exist or has
// expired.
func (t *Tracker) Get(ctx context.Context, id string) (*core.Session, error) {
	data, err := t.redis.Get(ctx, fmt.Sprintf(sessionKeyFormat, id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// PublishActivity refreshes a session's last-activity timestamp and TTL
// without bumping RequestSequence or touching StickyProviderID. It
// implements respond.ActivityPublisher so the post-response bookkeeping
// step can keep an idle-but-still-open session alive in Redis even when
// the client doesn't send another request right away.
func (t *Tracker) PublishActivity(ctx context.Context, sessionID string) error {
	sess, err := t.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	sess.LastRequestAt = time.Now()
	return t.save(ctx, sess)
}

// AssignSession creates or refreshes a session record, setting
// StickyProviderID the first time a provider is chosen for it and
// extending the TTL on every subsequent request. See spec §4.3 "Sticky
// assignment".
func (t *Tracker) AssignSession(ctx context.Context, id string, providerID int64, longLived bool) (*core.Session, error) {
	sess, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if sess == nil {
		sess = &core.Session{ID: id, StickyProviderID: providerID, RequestSequence: 1, LastRequestAt: now, LongLived: longLived}
	} else {
		sess.RequestSequence++
		sess.LastRequestAt = now
		if sess.StickyProviderID == 0 {
			sess.StickyProviderID = providerID
		}
	}
	if err := t.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (t *Tracker) save(ctx context.Context, sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := t.ttl
	if sess.LongLived {
		ttl = 0
	}
	return t.redis.Set(ctx, fmt.Sprintf(sessionKeyFormat, sess.ID), data, ttl).Err()
}
