package matchqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/heartlink/pkg/bus"
	"github.com/example/heartlink/pkg/events"
	"github.com/example/heartlink/pkg/kv"
)

func newTestQueue(t *testing.T) (*Queue, *kv.MemoryStore, *bus.Subscription) {
	t.Helper()
	store := kv.NewMemory()
	b := bus.NewMemory()
	sub, err := b.Subscribe(events.TopicVideoOffer)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	q := New(store, b)
	t.Cleanup(q.Close)
	return q, store, sub
}

func drainOffers(sub *bus.Subscription) []events.VideoOffer {
	var offers []events.VideoOffer
	for {
		select {
		case data := <-sub.Messages():
			var o events.VideoOffer
			if json.Unmarshal(data, &o) == nil {
				offers = append(offers, o)
			}
		default:
			return offers
		}
	}
}

func TestEnterAloneNoPairing(t *testing.T) {
	q, _, sub := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enter(ctx, "u1", "f", "nyc", nil); err != nil {
		t.Fatalf("Enter failed: %v", err)
	}

	if offers := drainOffers(sub); len(offers) != 0 {
		t.Errorf("Expected no offers for a lone user, got %d", len(offers))
	}
	e, err := q.Entry(ctx, "u1")
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if e.ChatPartner != "" {
		t.Errorf("Expected no partner, got %q", e.ChatPartner)
	}
}

func TestSecondEnterPairsBoth(t *testing.T) {
	q, _, sub := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enter(ctx, "u1", "f", "nyc", nil); err != nil {
		t.Fatalf("Enter u1 failed: %v", err)
	}
	if err := q.Enter(ctx, "u2", "m", "nyc", nil); err != nil {
		t.Fatalf("Enter u2 failed: %v", err)
	}

	offers := drainOffers(sub)
	if len(offers) != 1 {
		t.Fatalf("Expected exactly 1 pairing offer, got %d", len(offers))
	}
	o := offers[0]
	if len(o.UserIDs) != 2 {
		t.Fatalf("Expected 2 recipients, got %v", o.UserIDs)
	}
	if o.RoomName == "" || o.RoomName == events.FindNextRoom {
		t.Errorf("Expected a real room name, got %q", o.RoomName)
	}
	if o.Password == "" {
		t.Error("Expected a room password")
	}

	e1, _ := q.Entry(ctx, "u1")
	e2, _ := q.Entry(ctx, "u2")
	if e1.ChatPartner != "u2" || e2.ChatPartner != "u1" {
		t.Errorf("Expected symmetric pairing, got %q/%q", e1.ChatPartner, e2.ChatPartner)
	}
	if e1.ChatPartner == e1.UserID || e2.ChatPartner == e2.UserID {
		t.Error("Entry paired with itself")
	}
}

func TestExitUnpairsAndNotifiesPartnerOnly(t *testing.T) {
	q, _, sub := newTestQueue(t)
	ctx := context.Background()

	q.Enter(ctx, "u1", "f", "nyc", nil)
	q.Enter(ctx, "u2", "m", "nyc", nil)
	drainOffers(sub)

	if err := q.Exit(ctx, "u1"); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}

	offers := drainOffers(sub)
	if len(offers) != 1 {
		t.Fatalf("Expected 1 find-next offer, got %d", len(offers))
	}
	o := offers[0]
	if o.RoomName != events.FindNextRoom {
		t.Errorf("Expected find-next signal, got room %q", o.RoomName)
	}
	if len(o.UserIDs) != 1 || o.UserIDs[0] != "u2" {
		t.Errorf("Expected offer addressed to [u2] only, got %v", o.UserIDs)
	}

	if _, err := q.Entry(ctx, "u1"); !errors.Is(err, ErrNotQueued) {
		t.Errorf("Expected u1 removed, got %v", err)
	}
	e2, _ := q.Entry(ctx, "u2")
	if e2.ChatPartner != "" {
		t.Errorf("Expected u2 unpaired, got partner %q", e2.ChatPartner)
	}
	if !containsID(e2.Passed, "u1") {
		t.Errorf("Expected u1 in u2's passed set, got %v", e2.Passed)
	}
}

func TestBlockedUsersNeverPair(t *testing.T) {
	tests := []struct {
		name  string
		first string
	}{
		{"blocker enters first", "u1"},
		{"blocked enters first", "u3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _, sub := newTestQueue(t)
			ctx := context.Background()

			// u1 blocks u3
			if tt.first == "u1" {
				q.Enter(ctx, "u1", "f", "nyc", []string{"u3"})
				q.Enter(ctx, "u3", "m", "nyc", nil)
			} else {
				q.Enter(ctx, "u3", "m", "nyc", nil)
				q.Enter(ctx, "u1", "f", "nyc", []string{"u3"})
			}
			q.Advance(ctx, "u1")
			q.Advance(ctx, "u3")

			if offers := drainOffers(sub); len(offers) != 0 {
				t.Errorf("Expected no pairing between blocked users, got %v", offers)
			}
			e1, _ := q.Entry(ctx, "u1")
			if e1.ChatPartner != "" {
				t.Errorf("Expected u1 unpaired, got %q", e1.ChatPartner)
			}
		})
	}
}

func TestEnterTwiceCreatesNoDuplicate(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enter(ctx, "u1", "f", "nyc", nil)
	q.Enter(ctx, "u1", "f", "nyc", nil)

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 entry after double enter, got %d", n)
	}
}

func TestSelfNeverInOwnPassed(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	// block list containing the user themselves must not poison the entry
	q.Enter(ctx, "u1", "f", "nyc", []string{"u1", "u9"})

	e, _ := q.Entry(ctx, "u1")
	if containsID(e.Passed, "u1") {
		t.Errorf("Expected u1 absent from own passed set, got %v", e.Passed)
	}
	if !containsID(e.Passed, "u9") {
		t.Errorf("Expected u9 in passed set, got %v", e.Passed)
	}
}

func TestAdvanceSkipsPairedEntries(t *testing.T) {
	q, _, sub := newTestQueue(t)
	ctx := context.Background()

	q.Enter(ctx, "u1", "f", "nyc", nil)
	q.Enter(ctx, "u2", "m", "nyc", nil) // pairs u1+u2
	q.Enter(ctx, "u3", "m", "nyc", nil) // nobody free
	drainOffers(sub)

	e3, _ := q.Entry(ctx, "u3")
	if e3.ChatPartner != "" {
		t.Errorf("Expected u3 to stay unpaired, got %q", e3.ChatPartner)
	}
}

func TestAdvanceUnpairsThenRepairs(t *testing.T) {
	q, _, sub := newTestQueue(t)
	ctx := context.Background()

	q.Enter(ctx, "u1", "f", "nyc", nil)
	q.Enter(ctx, "u2", "m", "nyc", nil)
	q.Enter(ctx, "u3", "m", "nyc", nil)
	drainOffers(sub)

	// u1 skips to the next match: u2 must be released and told to search,
	// u1 must pair with u3.
	if err := q.Advance(ctx, "u1"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	offers := drainOffers(sub)
	if len(offers) != 2 {
		t.Fatalf("Expected find-next + pairing offers, got %d", len(offers))
	}
	if offers[0].RoomName != events.FindNextRoom || offers[0].UserIDs[0] != "u2" {
		t.Errorf("Expected find-next to u2 first, got %+v", offers[0])
	}

	e1, _ := q.Entry(ctx, "u1")
	e2, _ := q.Entry(ctx, "u2")
	e3, _ := q.Entry(ctx, "u3")
	if e1.ChatPartner != "u3" || e3.ChatPartner != "u1" {
		t.Errorf("Expected u1+u3 paired, got %q/%q", e1.ChatPartner, e3.ChatPartner)
	}
	if e2.ChatPartner != "" {
		t.Errorf("Expected u2 unpaired, got %q", e2.ChatPartner)
	}
	// prior partners never re-pair
	if !containsID(e1.Passed, "u2") || !containsID(e2.Passed, "u1") {
		t.Error("Expected mutual passes between former partners")
	}
}

func TestAdvanceUnknownUser(t *testing.T) {
	q, _, _ := newTestQueue(t)

	err := q.Advance(context.Background(), "ghost")
	if !errors.Is(err, ErrNotQueued) {
		t.Errorf("Expected ErrNotQueued, got %v", err)
	}
}

func TestExitUnknownUserIsNoop(t *testing.T) {
	q, _, _ := newTestQueue(t)

	if err := q.Exit(context.Background(), "ghost"); err != nil {
		t.Errorf("Expected nil for unknown user, got %v", err)
	}
}

func TestAsymmetricPairingRepaired(t *testing.T) {
	store := kv.NewMemory()
	b := bus.NewMemory()
	ctx := context.Background()

	// u1 claims u2 as partner but u2 disagrees: must be treated as unpaired.
	entries := []*Entry{
		{UserID: "u1", ChatPartner: "u2", JoinedAt: 1},
		{UserID: "u2", ChatPartner: "", JoinedAt: 2},
	}
	raw, _ := json.Marshal(entries)
	store.Set(ctx, snapshotKey, raw, 0)

	sub, _ := b.Subscribe(events.TopicVideoOffer)
	q := New(store, b)
	defer q.Close()

	if err := q.Advance(ctx, "u2"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	e1, _ := q.Entry(ctx, "u1")
	e2, _ := q.Entry(ctx, "u2")
	if e1.ChatPartner != "u2" || e2.ChatPartner != "u1" {
		t.Errorf("Expected repair then fresh pairing, got %q/%q", e1.ChatPartner, e2.ChatPartner)
	}
	if offers := drainOffers(sub); len(offers) != 1 {
		t.Errorf("Expected 1 pairing offer after repair, got %d", len(offers))
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	store := kv.NewMemory()
	b := bus.NewMemory()
	ctx := context.Background()

	q1 := New(store, b)
	q1.Enter(ctx, "u1", "f", "nyc", nil)
	q1.Enter(ctx, "u2", "m", "nyc", nil)
	q1.Close()

	q2 := New(store, b)
	defer q2.Close()

	n, err := q2.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 entries after restart, got %d", n)
	}
	e1, _ := q2.Entry(ctx, "u1")
	if e1.ChatPartner != "u2" {
		t.Errorf("Expected pairing to survive restart, got %q", e1.ChatPartner)
	}
}

// failingStore reports every read as a backend failure.
type failingStore struct {
	*kv.MemoryStore
}

func (s *failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("backend down")
}

func TestUnreadableSnapshotSurfaces(t *testing.T) {
	q := New(&failingStore{kv.NewMemory()}, bus.NewMemory())
	defer q.Close()

	err := q.Enter(context.Background(), "u1", "f", "nyc", nil)
	if !errors.Is(err, ErrSnapshotUnavailable) {
		t.Errorf("Expected ErrSnapshotUnavailable, got %v", err)
	}
}

func TestCorruptSnapshotSurfaces(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	store.Set(ctx, snapshotKey, []byte("{not json"), 0)

	q := New(store, bus.NewMemory())
	defer q.Close()

	err := q.Advance(ctx, "u1")
	if !errors.Is(err, ErrSnapshotUnavailable) {
		t.Errorf("Expected ErrSnapshotUnavailable, got %v", err)
	}
}

func TestClosedQueueRejectsCalls(t *testing.T) {
	q := New(kv.NewMemory(), bus.NewMemory())
	q.Close()

	// give the coordinator a moment to observe done
	time.Sleep(10 * time.Millisecond)
	err := q.Enter(context.Background(), "u1", "f", "nyc", nil)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
