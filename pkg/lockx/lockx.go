// Package lockx provides named in-process mutual exclusion with a bounded
// wait. At most one WithLock critical section per key runs at a time within
// a process. The lock is process-local: under a multi-instance deployment it
// does not serialize across processes, and the features built on it assume a
// single instance owns their state.
package lockx

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when the lock cannot be acquired within the wait
// bound. The operation failed but is safe to retry.
var ErrTimeout = errors.New("lockx: acquire timed out")

// DefaultWait bounds how long an acquire may queue behind other holders.
const DefaultWait = 10 * time.Second

// Locker hands out one semaphore per key. The zero value is not usable; use
// New.
type Locker struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
	wait time.Duration
}

func New() *Locker {
	return &Locker{sems: make(map[string]chan struct{}), wait: DefaultWait}
}

// NewWithWait creates a Locker with a custom acquire bound, mainly for tests.
func NewWithWait(wait time.Duration) *Locker {
	l := New()
	l.wait = wait
	return l
}

func (l *Locker) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[key] = s
	}
	return s
}

// WithLock runs fn while holding the named lock. Contending calls queue up
// to the wait bound, then fail with ErrTimeout. A cancelled context fails
// the acquire with the context's error. fn's error is passed through.
func (l *Locker) WithLock(ctx context.Context, key string, fn func() error) error {
	s := l.sem(key)
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s }()

	return fn()
}
