// Package cache is the read-through query cache in front of the document
// store. Entries are keyed by (hashKey, querySignature): hashKey names the
// entity or entity class, querySignature the exact query, so invalidating a
// hashKey drops every cached query that could contain that entity's
// documents. Invalidation is a caller obligation — every mutation that can
// affect a cached read must call Invalidate before the next read.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/heartlink/pkg/kv"
)

// DefaultTTL is how long a hashKey lives after its last write.
const DefaultTTL = 30 * time.Minute

const keyPrefix = "qc:"

// Cache wraps a kv.Store. Backend failures never fail the surrounding read:
// a failed Get is a miss, a failed Put is logged and dropped.
type Cache struct {
	store      kv.Store
	ttl        time.Duration
	persistent map[string]bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithPersistentKey marks a hashKey as exempt from expiry. Used for the
// system settings singleton, which only explicit invalidation may remove.
func WithPersistentKey(hashKey string) Option {
	return func(c *Cache) { c.persistent[hashKey] = true }
}

func New(store kv.Store, opts ...Option) *Cache {
	c := &Cache{
		store:      store,
		ttl:        DefaultTTL,
		persistent: make(map[string]bool),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached value for (hashKey, querySignature), or ok=false on
// a miss. A backend error is reported as a miss so the caller falls through
// to the document store.
func (c *Cache) Get(ctx context.Context, hashKey, querySignature string) ([]byte, bool) {
	b, err := c.store.HGet(ctx, keyPrefix+hashKey, querySignature)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		slog.WarnContext(ctx, "Cache read failed, treating as miss", "hashKey", hashKey, "error", err)
		return nil, false
	}
	return b, true
}

// Put stores a value under (hashKey, querySignature) and refreshes the
// hashKey's expiry unless it is a persistent key.
func (c *Cache) Put(ctx context.Context, hashKey, querySignature string, value []byte) {
	key := keyPrefix + hashKey
	if err := c.store.HSet(ctx, key, querySignature, value); err != nil {
		slog.WarnContext(ctx, "Cache write failed", "hashKey", hashKey, "error", err)
		return
	}
	if c.persistent[hashKey] {
		return
	}
	if err := c.store.Expire(ctx, key, c.ttl); err != nil {
		slog.WarnContext(ctx, "Cache expire failed", "hashKey", hashKey, "error", err)
	}
}

// Invalidate removes every entry stored under hashKey. Unlike reads this
// surfaces the backend error: a missed invalidation means later reads may
// serve stale documents, and the caller should know.
func (c *Cache) Invalidate(ctx context.Context, hashKey string) error {
	return c.store.Del(ctx, keyPrefix+hashKey)
}

// Fetch is the read-through decorator: on a hit the thunk is skipped, on a
// miss the thunk runs and its result is cached before returning. The thunk's
// error is the only error a caller sees.
func (c *Cache) Fetch(ctx context.Context, hashKey, querySignature string, fetch func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if b, ok := c.Get(ctx, hashKey, querySignature); ok {
		return b, nil
	}
	b, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.Put(ctx, hashKey, querySignature, b)
	return b, nil
}
