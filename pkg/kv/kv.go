// Package kv abstracts the key-value backend shared by the query cache, the
// match queue snapshot, and video session state. Two implementations exist:
// Redis for deployment and an in-memory store for tests and local runs.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("kv: not found")

// Store is the minimal surface the coordination layer needs: plain values
// with optional expiry, plus hash values so a whole hash can be dropped in
// one Del. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	HGet(ctx context.Context, key, field string) ([]byte, error)
	HSet(ctx context.Context, key, field string, value []byte) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}
