package bus

import (
	"context"
	"log/slog"
	"sync"
)

const subscriptionBuffer = 64

// MemoryBus is an in-process Bus. Publish delivers to every current
// subscriber of the topic; a subscriber whose buffer is full loses the
// payload, matching the transport's best-effort contract.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]bool
	closed bool
}

func NewMemory() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*Subscription]bool)}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- data:
		default:
			slog.Warn("Dropping payload for slow subscriber", "topic", topic)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string) (*Subscription, error) {
	s := &Subscription{topic: topic, ch: make(chan []byte, subscriptionBuffer)}
	s.cancel = func() { b.remove(topic, s) }

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]bool)
	}
	b.subs[topic][s] = true
	return s, nil
}

func (b *MemoryBus) remove(topic string, s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, topic)
		}
	}
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[*Subscription]bool)
	b.closed = true
}
