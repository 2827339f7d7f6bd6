// Package videosession tracks who is inside a chat's live video room. The
// participant set is a single KV value per chat, mutated read-modify-write,
// so every mutation runs under the chat's named lock. Join and leave also
// post a system message to the chat so inboxes see video activity.
package videosession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/heartlink/pkg/bus"
	"github.com/example/heartlink/pkg/events"
	"github.com/example/heartlink/pkg/kv"
	"github.com/example/heartlink/pkg/lockx"
)

// TTL bounds how long an abandoned session value lingers.
const TTL = 6 * time.Hour

// ErrNoSession is returned when leaving a chat that has no live session.
var ErrNoSession = errors.New("videosession: no active session")

// Session is the stored participant state for one chat's video room.
type Session struct {
	Participants []string `json:"participants"`
	StartTime    int64    `json:"startTime"`
}

// Room is what a joining client needs to connect.
type Room struct {
	Name     string `json:"rn"`
	Password string `json:"p"`
}

// User identifies the joining or leaving user.
type User struct {
	ID       string
	Username string
}

// Audience is the chat's full audience, used to address the join/leave
// system messages. The caller owns chat membership checks.
type Audience struct {
	Participants []string
	Invited      []string
}

// Manager mutates session state under per-chat locks.
type Manager struct {
	store  kv.Store
	locker *lockx.Locker
	bus    bus.Bus
}

func NewManager(store kv.Store, locker *lockx.Locker, b bus.Bus) *Manager {
	return &Manager{store: store, locker: locker, bus: b}
}

func sessionKey(chatID string) string { return chatID + "vc" }

func lockKey(chatID string) string { return "vc:" + chatID }

// Join adds the user to the chat's video session, creating it on first
// join, and returns the room credentials. Joining twice is idempotent and
// posts no duplicate message.
func (m *Manager) Join(ctx context.Context, chatID string, user User, audience Audience) (Room, error) {
	var room Room
	var announce bool
	err := m.locker.WithLock(ctx, lockKey(chatID), func() error {
		s, err := m.load(ctx, chatID)
		if err != nil {
			return err
		}
		if s == nil {
			s = &Session{StartTime: time.Now().UnixMilli()}
		}
		room = Room{
			Name:     sessionKey(chatID),
			Password: fmt.Sprintf("%s%d", chatID, s.StartTime),
		}
		if contains(s.Participants, user.ID) {
			return nil
		}
		s.Participants = append(s.Participants, user.ID)
		announce = true
		return m.save(ctx, chatID, s)
	})
	if err != nil {
		return Room{}, err
	}
	if announce {
		if err := m.announce(ctx, chatID, user, "joinvid", audience.Participants, audience.Invited); err != nil {
			return Room{}, err
		}
	}
	return room, nil
}

// Leave removes the user from the chat's video session. The leave message
// is addressed to the session's participants, the users watching the room.
func (m *Manager) Leave(ctx context.Context, chatID string, user User) error {
	var audience []string
	err := m.locker.WithLock(ctx, lockKey(chatID), func() error {
		s, err := m.load(ctx, chatID)
		if err != nil {
			return err
		}
		if s == nil {
			return ErrNoSession
		}
		audience = append([]string(nil), s.Participants...)
		kept := s.Participants[:0]
		for _, id := range s.Participants {
			if id != user.ID {
				kept = append(kept, id)
			}
		}
		s.Participants = kept
		return m.save(ctx, chatID, s)
	})
	if err != nil {
		return err
	}
	return m.announce(ctx, chatID, user, "leavevid", audience, nil)
}

// Active reports whether the chat's video room currently has participants.
func (m *Manager) Active(ctx context.Context, chatID string) (bool, error) {
	s, err := m.load(ctx, chatID)
	if err != nil {
		return false, err
	}
	return s != nil && len(s.Participants) > 0, nil
}

func (m *Manager) load(ctx context.Context, chatID string) (*Session, error) {
	b, err := m.store.Get(ctx, sessionKey(chatID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *Manager) save(ctx context.Context, chatID string, s *Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, sessionKey(chatID), b, TTL)
}

func (m *Manager) announce(ctx context.Context, chatID string, user User, msgType string, participants, invited []string) error {
	msg := events.ChatMessage{
		ChatID:       chatID,
		Type:         msgType,
		Text:         user.Username,
		FromUserID:   user.ID,
		FromUsername: user.Username,
		Participants: participants,
		Invited:      invited,
		CreatedAt:    time.Now().UnixMilli(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := m.bus.Publish(ctx, events.TopicMessageAdded, b); err != nil {
		return err
	}
	return m.bus.Publish(ctx, events.TopicInboxMessage, b)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
