// Package bus is the topic-based publish/subscribe fan-out. Delivery is
// at-most-once and best-effort: per topic and subscriber the order matches
// publish order, a disconnected subscriber misses events with no replay, and
// a slow subscriber drops messages rather than blocking the publisher. The
// document store, not the bus, is the source of record for durable state.
//
// The NATS implementation is the production transport; the memory
// implementation serves tests and single-process runs.
package bus

import "context"

// Bus publishes raw payloads to named topics and hands out per-connection
// subscriptions. Payload typing and relevance filtering live in pkg/events.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) (*Subscription, error)
	Close()
}

// Subscription is one live registration to one topic. Messages delivers
// payloads in publish order; after Unsubscribe no further payloads arrive
// and anything still in flight is dropped.
type Subscription struct {
	topic  string
	ch     chan []byte
	cancel func()
}

func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) Messages() <-chan []byte { return s.ch }

func (s *Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
