// Package codexsession completes the session id for Codex-flow requests
// that don't carry one explicitly. Codex clients identify a conversation
// implicitly by the fact that the key, client IP, user agent and the
// initial system+user turn are unchanged across requests; this package
// turns that tuple into a stable fingerprint and maps it to the session
// id the rest of the gateway uses everywhere else. See spec §4.4 "Codex
// fingerprint completion".
package codexsession

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const fingerprintKeyFormat = "cch:codex:fingerprint:%s:session_id"

// Completer maps a Codex request fingerprint to the session id assigned
// the first time that fingerprint was seen.
type Completer struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewCompleter(client *redis.Client, ttl time.Duration) *Completer {
	return &Completer{redis: client, ttl: ttl}
}

// Fingerprint computes the stable identity of a Codex conversation:
// sha256("key:{keyID}|ip:{ip}|ua:{ua}|init:{sha256(system+userText)}").
// The inner hash of the first turn means two different conversations
// that happen to share key/ip/ua never collide, while retries of the
// exact same first turn do.
func Fingerprint(keyID, ip, ua, system, userText string) string {
	initHash := sha256.Sum256([]byte(system + userText))
	raw := fmt.Sprintf("key:%s|ip:%s|ua:%s|init:%s", keyID, ip, ua, hex.EncodeToString(initHash[:]))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the session id previously assigned to fingerprint, or
// "" if none has been seen yet.
func (c *Completer) Lookup(ctx context.Context, fingerprint string) (string, error) {
	sessionID, err := c.redis.Get(ctx, fmt.Sprintf(fingerprintKeyFormat, fingerprint)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return sessionID, nil
}

// Store records the session id assigned to fingerprint, refreshing the
// TTL so an active conversation's fingerprint mapping never expires
// mid-conversation.
func (c *Completer) Store(ctx context.Context, fingerprint, sessionID string) error {
	return c.redis.Set(ctx, fmt.Sprintf(fingerprintKeyFormat, fingerprint), sessionID, c.ttl).Err()
}

// Complete resolves the session id for a Codex request: it looks up the
// fingerprint, and if absent, assigns newSessionID and stores the
// mapping. The caller supplies newSessionID (normally a fresh uuid)
// rather than this package generating one, so the id scheme stays
// consistent with every other session-id-producing code path.
//
// The store uses SETNX so that two concurrent requests racing on the
// same never-before-seen fingerprint still converge on a single session
// id: the loser's SETNX fails to set and falls through to a
// Lookup of whatever the winner just wrote, instead of both callers
// reporting isNew with two different ids (spec §8 property 7).
func (c *Completer) Complete(ctx context.Context, fingerprint, newSessionID string) (sessionID string, isNew bool, err error) {
	existing, err := c.Lookup(ctx, fingerprint)
	if err != nil {
		return "", false, err
	}
	if existing != "" {
		return existing, false, nil
	}
	key := fmt.Sprintf(fingerprintKeyFormat, fingerprint)
	ok, err := c.redis.SetNX(ctx, key, newSessionID, c.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return newSessionID, true, nil
	}
	existing, err = c.Lookup(ctx, fingerprint)
	if err != nil {
		return "", false, err
	}
	if existing == "" {
		// lost the race and the winner's key already expired; best effort.
		return newSessionID, true, nil
	}
	return existing, false, nil
}
