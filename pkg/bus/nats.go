package bus

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/example/heartlink/pkg/otelhelper"
)

// NATSBus implements Bus on a NATS connection owned by the caller. Topics
// map directly to subjects, so per-topic per-subscriber ordering comes from
// the connection itself. Trace context rides in message headers.
type NATSBus struct {
	nc *nats.Conn
}

func NewNATS(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

func (b *NATSBus) Publish(ctx context.Context, topic string, data []byte) error {
	return otelhelper.TracedPublish(ctx, b.nc, topic, data)
}

func (b *NATSBus) Subscribe(topic string) (*Subscription, error) {
	s := &Subscription{topic: topic, ch: make(chan []byte, subscriptionBuffer)}
	sub, err := b.nc.Subscribe(topic, func(msg *nats.Msg) {
		_, span := otelhelper.StartConsumerSpan(context.Background(), msg, topic+" receive")
		defer span.End()
		select {
		case s.ch <- msg.Data:
		default:
			span.AddEvent("dropped")
			slog.Warn("Dropping payload for slow subscriber", "topic", topic)
		}
	})
	if err != nil {
		return nil, err
	}
	s.cancel = func() {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("Unsubscribe failed", "topic", topic, "error", err)
		}
	}
	return s, nil
}

// Close drains the connection so queued deliveries flush before shutdown.
func (b *NATSBus) Close() {
	if err := b.nc.Drain(); err != nil {
		slog.Warn("NATS drain failed", "error", err)
	}
}
