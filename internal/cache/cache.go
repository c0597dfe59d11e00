// Package cache provides stylesheet caching for the visly server. A stylesheet
// is fully determined by the settings version, the breakpoints, and whether
// preview styles are included, so entries never need expiry beyond version
// invalidation; the in-memory store simply drops entries from older versions.
//
// When a Redis address is configured the cache is shared across instances so
// only one instance pays the generation cost after a settings change.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key identifies one cached stylesheet variant.
type Key struct {
	Version int64
	Mobile  int
	Tablet  int
	Preview bool
}

func (k Key) String() string {
	return fmt.Sprintf("visly:stylesheet:%d:%d:%d:%t", k.Version, k.Mobile, k.Tablet, k.Preview)
}

// StylesheetCache stores generated stylesheets keyed by settings version and
// breakpoint pair.
type StylesheetCache interface {
	Get(ctx context.Context, key Key) (string, bool)
	Set(ctx context.Context, key Key, css string)
}

// Memory is an in-process StylesheetCache. Entries from versions older than
// the newest seen version are evicted on write, keeping the cache bounded to
// the handful of variants of the current settings.
type Memory struct {
	mu      sync.RWMutex
	entries map[Key]string
	version int64
}

// NewMemory creates an empty in-memory stylesheet cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[Key]string)}
}

// Get returns the cached stylesheet for key, if present.
func (m *Memory) Get(_ context.Context, key Key) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	css, ok := m.entries[key]
	return css, ok
}

// Set stores a stylesheet. Writing a key with a newer version drops all
// entries from older versions.
func (m *Memory) Set(_ context.Context, key Key, css string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.Version > m.version {
		m.version = key.Version
		for k := range m.entries {
			if k.Version < key.Version {
				delete(m.entries, k)
			}
		}
	}
	m.entries[key] = css
}

const redisTTL = 24 * time.Hour

// Redis is a StylesheetCache backed by a shared Redis instance. Lookup and
// store failures are treated as cache misses; the stylesheet can always be
// regenerated.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed stylesheet cache for the given address.
func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Ping verifies connectivity to the Redis server.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get returns the cached stylesheet for key, if present.
func (r *Redis) Get(ctx context.Context, key Key) (string, bool) {
	css, err := r.client.Get(ctx, key.String()).Result()
	if err != nil {
		return "", false
	}
	return css, true
}

// Set stores a stylesheet with a TTL; stale versions age out on their own.
func (r *Redis) Set(ctx context.Context, key Key, css string) {
	r.client.Set(ctx, key.String(), css, redisTTL)
}

// Tiered layers a local memory cache in front of a shared cache. Reads fill
// the local layer; writes go to both.
type Tiered struct {
	local  *Memory
	shared StylesheetCache
}

// NewTiered combines a local memory cache with a shared backing cache.
func NewTiered(shared StylesheetCache) *Tiered {
	return &Tiered{local: NewMemory(), shared: shared}
}

// Get checks the local layer first, then the shared layer.
func (t *Tiered) Get(ctx context.Context, key Key) (string, bool) {
	if css, ok := t.local.Get(ctx, key); ok {
		return css, true
	}
	css, ok := t.shared.Get(ctx, key)
	if ok {
		t.local.Set(ctx, key, css)
	}
	return css, ok
}

// Set writes through to both layers.
func (t *Tiered) Set(ctx context.Context, key Key, css string) {
	t.local.Set(ctx, key, css)
	t.shared.Set(ctx, key, css)
}
