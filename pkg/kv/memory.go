package kv

import (
	"context"
	"sync"
	"time"
)

type memoryValue struct {
	data      []byte
	hash      map[string][]byte
	expiresAt time.Time // zero means no expiry
}

func (v *memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && now.After(v.expiresAt)
}

// MemoryStore is an in-process Store used by tests and single-node local
// runs. Expired values are dropped lazily on access.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]*memoryValue
}

func NewMemory() *MemoryStore {
	return &MemoryStore{values: make(map[string]*memoryValue)}
}

func (s *MemoryStore) live(key string) *memoryValue {
	v, ok := s.values[key]
	if !ok {
		return nil
	}
	if v.expired(time.Now()) {
		delete(s.values, key)
		return nil
	}
	return v
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.live(key)
	if v == nil || v.data == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.data...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := &memoryValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	s.values[key] = v
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.live(key)
	if v == nil || v.hash == nil {
		return nil, ErrNotFound
	}
	b, ok := v.hash[field]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) HSet(_ context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.live(key)
	if v == nil {
		v = &memoryValue{hash: make(map[string][]byte)}
		s.values[key] = v
	} else if v.hash == nil {
		v.hash = make(map[string][]byte)
	}
	v.hash[field] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.live(key)
	if v == nil {
		return nil
	}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	} else {
		v.expiresAt = time.Time{}
	}
	return nil
}

// TTL reports the remaining lifetime of a key; zero with ok=true means the
// key never expires. Test helper, not part of Store.
func (s *MemoryStore) TTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.live(key)
	if v == nil {
		return 0, false
	}
	if v.expiresAt.IsZero() {
		return 0, true
	}
	return time.Until(v.expiresAt), true
}

func (s *MemoryStore) Close() error {
	return nil
}
