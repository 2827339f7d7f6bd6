package bus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	select {
	case b := <-sub.Messages():
		return b
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for payload")
		return nil
	}
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	s1, _ := b.Subscribe("notice.added")
	s2, _ := b.Subscribe("notice.added")

	if err := b.Publish(ctx, "notice.added", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := string(recv(t, s1)); got != "hello" {
		t.Errorf("Expected hello, got %q", got)
	}
	if got := string(recv(t, s2)); got != "hello" {
		t.Errorf("Expected hello, got %q", got)
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	s, _ := b.Subscribe("message.added")
	b.Publish(ctx, "notice.added", []byte("other"))

	select {
	case got := <-s.Messages():
		t.Errorf("Expected nothing on message.added, got %q", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPerTopicOrderPreserved(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	s, _ := b.Subscribe("message.added")
	for i := 0; i < 10; i++ {
		b.Publish(ctx, "message.added", []byte(fmt.Sprintf("m%d", i)))
	}

	for i := 0; i < 10; i++ {
		want := fmt.Sprintf("m%d", i)
		if got := string(recv(t, s)); got != want {
			t.Fatalf("Expected %q at position %d, got %q", want, i, got)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	s, _ := b.Subscribe("message.added")
	s.Unsubscribe()
	b.Publish(ctx, "message.added", []byte("late"))

	select {
	case got := <-s.Messages():
		t.Errorf("Expected no delivery after unsubscribe, got %q", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	s, _ := b.Subscribe("message.added")
	done := make(chan struct{})
	go func() {
		// nobody reads s; publishing more than the buffer must not block
		for i := 0; i < subscriptionBuffer*2; i++ {
			b.Publish(ctx, "message.added", []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// the buffered prefix is still delivered in order
	n := 0
	for {
		select {
		case <-s.Messages():
			n++
		default:
			if n != subscriptionBuffer {
				t.Errorf("Expected %d buffered payloads, got %d", subscriptionBuffer, n)
			}
			return
		}
	}
}

func TestLateSubscriberSeesNothing(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	b.Publish(ctx, "notice.added", []byte("before"))
	s, _ := b.Subscribe("notice.added")

	select {
	case got := <-s.Messages():
		t.Errorf("Expected no replay for a late subscriber, got %q", got)
	case <-time.After(20 * time.Millisecond):
	}
}
