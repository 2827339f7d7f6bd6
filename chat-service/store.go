package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/lib/pq"

	"github.com/example/heartlink/pkg/bus"
	"github.com/example/heartlink/pkg/cache"
	"github.com/example/heartlink/pkg/events"
)

// chatService owns the persistence side of chats: every write goes to
// PostgreSQL first, then invalidates the chat's cached reads, then
// publishes. Readers that race the invalidation recompute from the
// database, so they can never resurrect the old version.
type chatService struct {
	db    *sql.DB
	cache *cache.Cache
	bus   bus.Bus
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		participants TEXT[] NOT NULL,
		invited TEXT[] NOT NULL DEFAULT '{}',
		video_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		chat_id TEXT NOT NULL REFERENCES chats(id),
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		from_user_id TEXT NOT NULL,
		from_username TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at DESC);
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		sex TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS blocks (
		user_id TEXT NOT NULL,
		blocked_id TEXT NOT NULL,
		PRIMARY KEY (user_id, blocked_id)
	);`
	_, err := db.Exec(schema)
	return err
}

func (s *chatService) createChat(ctx context.Context, chat *Chat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, participants, invited, created_at) VALUES ($1, $2, $3, $4)`,
		chat.ID, pq.Array(chat.Participants), pq.Array(chat.Invited), chat.CreatedAt)
	return err
}

// loadChat reads the chat document through the cache under the "findById"
// signature. sql.ErrNoRows from the miss path surfaces to the caller.
func (s *chatService) loadChat(ctx context.Context, chatID string) (*Chat, error) {
	raw, err := s.cache.Fetch(ctx, chatID, "findById", func(ctx context.Context) ([]byte, error) {
		var c Chat
		err := s.db.QueryRowContext(ctx,
			`SELECT id, participants, invited, video_active, created_at FROM chats WHERE id = $1`,
			chatID).Scan(&c.ID, pq.Array(&c.Participants), pq.Array(&c.Invited), &c.VideoActive, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		return json.Marshal(c)
	})
	if err != nil {
		return nil, err
	}
	var c Chat
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *chatService) recentMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, type, text, from_user_id, from_username, created_at
		 FROM messages WHERE chat_id = $1 ORDER BY created_at DESC LIMIT $2`,
		chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Type, &m.Text, &m.FromUserID, &m.FromUsername, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// appendMessage is the write path: persist, invalidate, publish — in that
// order. A failed invalidation aborts before publish so subscribers never
// hear about a write that cached readers can still miss silently.
func (s *chatService) appendMessage(ctx context.Context, msg events.ChatMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, type, text, from_user_id, from_username, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ChatID, msg.Type, msg.Text, msg.FromUserID, msg.FromUsername, msg.CreatedAt)
	if err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, msg.ChatID); err != nil {
		return err
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, events.TopicMessageAdded, b); err != nil {
		return err
	}
	return s.bus.Publish(ctx, events.TopicInboxMessage, b)
}

func (s *chatService) setVideoActive(ctx context.Context, chatID string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chats SET video_active = $2 WHERE id = $1`, chatID, active)
	if err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, chatID)
}

// block records the block and drops the cached filter list the matchmaker
// reads, so the next queue entry sees it immediately.
func (s *chatService) block(ctx context.Context, userID, blockedID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocks (user_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, blockedID)
	if err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, "filter:"+userID); err != nil {
		slog.WarnContext(ctx, "Failed to invalidate filter cache", "user", userID, "error", err)
		return err
	}
	return nil
}
