// Package matchqueue pairs waiting users into ad-hoc video sessions. The
// queue is an ordered arena of entries owned by a single coordinator
// goroutine; every operation is a request to that goroutine, so mutation is
// serialized by construction and no two operations can interleave a
// read-modify-write. The full queue is also serialized as one snapshot value
// in the KV store after every mutation, so state survives a restart.
//
// The coordinator owns state for one process only. Running several
// instances against one snapshot is not safe; deployment assumes a single
// matchmaker instance (promote to an elected owner or a compare-and-swap
// backend before scaling out).
package matchqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/heartlink/pkg/bus"
	"github.com/example/heartlink/pkg/events"
	"github.com/example/heartlink/pkg/kv"
)

const (
	snapshotKey = "videoqueue:snapshot"

	// SnapshotTTL bounds how long abandoned queue state survives.
	SnapshotTTL = 6 * time.Hour
)

var (
	// ErrNotQueued is returned when an operation references a user with no
	// queue entry. Reported, never retried internally.
	ErrNotQueued = errors.New("matchqueue: user not in queue")

	// ErrSnapshotUnavailable wraps a snapshot that could not be read. The
	// queue never fabricates an empty snapshot from a failed read.
	ErrSnapshotUnavailable = errors.New("matchqueue: snapshot unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("matchqueue: closed")
)

var pairingCounter, _ = otel.Meter("matchqueue").Int64Counter("matchqueue_pairings_total",
	metric.WithDescription("Successful pairings made by the match queue"))

// Entry is one waiting user. Passed is the exclusion set: seeded from the
// user's block list, grown on every pairing and unpairing. ChatPartner is
// empty while unpaired.
type Entry struct {
	UserID      string   `json:"userId"`
	Sex         string   `json:"sex"`
	Location    string   `json:"location"`
	Passed      []string `json:"passed"`
	JoinedAt    int64    `json:"joinedAt"`
	ChatPartner string   `json:"chatPartner,omitempty"`
}

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	resp chan error
}

// Queue is the match queue coordinator. Create with New, stop with Close.
type Queue struct {
	store kv.Store
	bus   bus.Bus
	reqs  chan request
	done  chan struct{}

	// coordinator-owned, never touched outside run()
	entries []*Entry
	loaded  bool
}

func New(store kv.Store, b bus.Bus) *Queue {
	q := &Queue{
		store: store,
		bus:   b,
		reqs:  make(chan request),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Close stops the coordinator. Pending and later calls fail with ErrClosed.
func (q *Queue) Close() {
	close(q.done)
}

func (q *Queue) run() {
	for {
		select {
		case r := <-q.reqs:
			r.resp <- r.fn(r.ctx)
		case <-q.done:
			return
		}
	}
}

func (q *Queue) do(ctx context.Context, fn func(ctx context.Context) error) error {
	r := request{ctx: ctx, fn: fn, resp: make(chan error, 1)}
	select {
	case q.reqs <- r:
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enter adds the user to the queue and immediately looks for a partner. The
// block list seeds the entry's exclusion set. Entering while already queued
// creates no duplicate entry; it resumes matching instead.
func (q *Queue) Enter(ctx context.Context, userID, sex, location string, blocked []string) error {
	return q.do(ctx, func(ctx context.Context) error {
		if err := q.ensureLoaded(ctx); err != nil {
			return err
		}
		if q.find(userID) != nil {
			return q.advance(ctx, userID)
		}
		passed := make([]string, 0, len(blocked))
		for _, id := range blocked {
			if id != userID && !containsID(passed, id) {
				passed = append(passed, id)
			}
		}
		q.entries = append(q.entries, &Entry{
			UserID:   userID,
			Sex:      sex,
			Location: location,
			Passed:   passed,
			JoinedAt: time.Now().UnixMilli(),
		})
		return q.advance(ctx, userID)
	})
}

// Advance unpairs the user's current partner, if any, and pairs the user
// with the first available entry in snapshot order. With nobody available
// the user simply stays queued.
func (q *Queue) Advance(ctx context.Context, userID string) error {
	return q.do(ctx, func(ctx context.Context) error {
		if err := q.ensureLoaded(ctx); err != nil {
			return err
		}
		return q.advance(ctx, userID)
	})
}

// Exit removes the user. A paired partner is returned to the queue and told
// to find their next match.
func (q *Queue) Exit(ctx context.Context, userID string) error {
	return q.do(ctx, func(ctx context.Context) error {
		if err := q.ensureLoaded(ctx); err != nil {
			return err
		}
		me := q.find(userID)
		if me == nil {
			return nil
		}
		kept := q.entries[:0]
		for _, e := range q.entries {
			if e.UserID != userID {
				kept = append(kept, e)
			}
		}
		q.entries = kept

		var offers []events.VideoOffer
		if me.ChatPartner != "" {
			if partner := q.find(me.ChatPartner); partner != nil && partner.ChatPartner == userID {
				partner.ChatPartner = ""
				addPass(partner, userID)
				offers = append(offers, findNextOffer(partner.UserID))
			}
		}
		if err := q.save(ctx); err != nil {
			return err
		}
		return q.publish(ctx, offers)
	})
}

// Len reports the number of queued users, for metrics.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n := 0
	err := q.do(ctx, func(ctx context.Context) error {
		if err := q.ensureLoaded(ctx); err != nil {
			return err
		}
		n = len(q.entries)
		return nil
	})
	return n, err
}

// Entry returns a copy of the user's queue entry, for tests and inspection.
func (q *Queue) Entry(ctx context.Context, userID string) (Entry, error) {
	var out Entry
	err := q.do(ctx, func(ctx context.Context) error {
		if err := q.ensureLoaded(ctx); err != nil {
			return err
		}
		e := q.find(userID)
		if e == nil {
			return ErrNotQueued
		}
		out = *e
		out.Passed = append([]string(nil), e.Passed...)
		return nil
	})
	return out, err
}

// advance runs on the coordinator. It repairs dangling pairings, unpairs the
// caller if needed, then pairs with the first available entry.
func (q *Queue) advance(ctx context.Context, userID string) error {
	me := q.find(userID)
	if me == nil {
		return ErrNotQueued
	}

	q.repair()

	var offers []events.VideoOffer
	if me.ChatPartner != "" {
		partner := q.find(me.ChatPartner)
		// repair() guarantees symmetry here
		me.ChatPartner = ""
		partner.ChatPartner = ""
		addPass(me, partner.UserID)
		addPass(partner, userID)
		offers = append(offers, findNextOffer(partner.UserID))
	}

	var chosen *Entry
	for _, e := range q.entries {
		if e.UserID == userID || e.ChatPartner != "" {
			continue
		}
		if containsID(me.Passed, e.UserID) || containsID(e.Passed, userID) {
			continue
		}
		chosen = e
		break
	}

	if chosen != nil {
		now := time.Now().UnixMilli()
		me.ChatPartner = chosen.UserID
		chosen.ChatPartner = userID
		addPass(me, chosen.UserID)
		addPass(chosen, userID)
		me.JoinedAt = now
		chosen.JoinedAt = now
		offers = append(offers, events.VideoOffer{
			UserIDs:  []string{userID, chosen.UserID},
			RoomName: uuid.NewString(),
			Password: uuid.NewString(),
		})
		pairingCounter.Add(ctx, 1)
	}

	if err := q.save(ctx); err != nil {
		return err
	}
	return q.publish(ctx, offers)
}

// repair clears any chatPartner whose counterpart is missing or points
// elsewhere. An asymmetric pair is treated as unpaired, silently.
func (q *Queue) repair() {
	for _, e := range q.entries {
		if e.ChatPartner == "" {
			continue
		}
		p := q.find(e.ChatPartner)
		if p == nil || p.ChatPartner != e.UserID {
			e.ChatPartner = ""
		}
	}
}

func (q *Queue) find(userID string) *Entry {
	for _, e := range q.entries {
		if e.UserID == userID {
			return e
		}
	}
	return nil
}

func (q *Queue) ensureLoaded(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	b, err := q.store.Get(ctx, snapshotKey)
	if errors.Is(err, kv.ErrNotFound) {
		q.entries = nil
		q.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	var entries []*Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	q.entries = entries
	q.loaded = true
	return nil
}

func (q *Queue) save(ctx context.Context) error {
	b, err := json.Marshal(q.entries)
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, snapshotKey, b, SnapshotTTL); err != nil {
		return fmt.Errorf("matchqueue: snapshot write: %w", err)
	}
	return nil
}

func (q *Queue) publish(ctx context.Context, offers []events.VideoOffer) error {
	for _, o := range offers {
		b, err := json.Marshal(o)
		if err != nil {
			return err
		}
		if err := q.bus.Publish(ctx, events.TopicVideoOffer, b); err != nil {
			return fmt.Errorf("matchqueue: publish offer: %w", err)
		}
	}
	return nil
}

func findNextOffer(userID string) events.VideoOffer {
	return events.VideoOffer{UserIDs: []string{userID}, RoomName: events.FindNextRoom}
}

func addPass(e *Entry, userID string) {
	if !containsID(e.Passed, userID) {
		e.Passed = append(e.Passed, userID)
	}
}

func containsID(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
