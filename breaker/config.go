package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/cch-gateway/cch-gateway/core"
)

// configTTL is the in-process cache lifetime for a provider's breaker
// config before it is reloaded from the database, per spec §4.1 "Config
// loading is cached for 5 minutes".
const configTTL = 5 * time.Minute

// ConfigLoader fetches a provider's breaker tunables, typically from the
// providers table. Implementations must be safe for concurrent use.
type ConfigLoader interface {
	LoadBreakerConfig(ctx context.Context, providerID int64) (core.BreakerConfig, error)
}

type configEntry struct {
	cfg      core.BreakerConfig
	loadedAt time.Time
	version  uint64
}

// configCache is a versioned, TTL-bounded cache of breaker configs. A
// pub/sub invalidation bumps a provider's version, which forces a reload
// on the next access regardless of TTL (spec §4.1 "Config invalidation").
type configCache struct {
	mu       sync.Mutex
	loader   ConfigLoader
	entries  map[int64]*configEntry
	versions map[int64]uint64
	inflight map[int64]*inflightLoad
}

type inflightLoad struct {
	done chan struct{}
	cfg  core.BreakerConfig
	err  error
}

func newConfigCache(loader ConfigLoader) *configCache {
	return &configCache{
		loader:   loader,
		entries:  make(map[int64]*configEntry),
		versions: make(map[int64]uint64),
		inflight: make(map[int64]*inflightLoad),
	}
}

// Invalidate bumps a provider's version, forcing the next Get to reload
// regardless of how recently it was cached.
func (c *configCache) Invalidate(providerID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[providerID]++
}

// Get returns the cached config if it is fresh (within configTTL and at
// the current version), otherwise loads it, coalescing concurrent loads
// for the same provider into a single call to the loader.
func (c *configCache) Get(ctx context.Context, providerID int64) (core.BreakerConfig, error) {
	c.mu.Lock()
	currentVersion := c.versions[providerID]
	if e, ok := c.entries[providerID]; ok && e.version == currentVersion && time.Since(e.loadedAt) < configTTL {
		cfg := e.cfg
		c.mu.Unlock()
		return cfg, nil
	}
	if inf, ok := c.inflight[providerID]; ok {
		c.mu.Unlock()
		<-inf.done
		return inf.cfg, inf.err
	}
	inf := &inflightLoad{done: make(chan struct{})}
	c.inflight[providerID] = inf
	c.mu.Unlock()

	cfg, err := c.loader.LoadBreakerConfig(ctx, providerID)
	inf.cfg, inf.err = cfg, err
	close(inf.done)

	c.mu.Lock()
	delete(c.inflight, providerID)
	if err == nil {
		c.entries[providerID] = &configEntry{cfg: cfg, loadedAt: time.Now(), version: currentVersion}
	}
	c.mu.Unlock()
	return cfg, err
}

// ForceReloadIfStale reloads the config immediately when the breaker is
// not closed and the cached entry is older than maxAge, bypassing the
// normal 5-minute TTL. See spec §4.1 "a non-closed breaker must not run
// on config older than 60 seconds".
func (c *configCache) ForceReloadIfStale(ctx context.Context, providerID int64, maxAge time.Duration) (core.BreakerConfig, error) {
	c.mu.Lock()
	e, ok := c.entries[providerID]
	stale := !ok || time.Since(e.loadedAt) >= maxAge
	c.mu.Unlock()
	if !stale {
		return c.Get(ctx, providerID)
	}
	c.Invalidate(providerID)
	return c.Get(ctx, providerID)
}
