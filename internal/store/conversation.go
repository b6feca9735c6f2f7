package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/chatline/internal/chat"
)

// UpsertConversation inserts or updates a directory row.
func (db *DB) UpsertConversation(c chat.Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (conversation_id, peer_id, peer_display_name, peer_avatar_ref,
			last_message_preview, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			peer_id = excluded.peer_id,
			peer_display_name = excluded.peer_display_name,
			peer_avatar_ref = excluded.peer_avatar_ref,
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.PeerID, c.PeerDisplayName, c.PeerAvatarRef,
		c.LastMessagePreview, toMillis(c.LastMessageAt), max(c.UnreadCount, 0), time.Now().UnixMilli())
	return err
}

// UpsertConversations writes rows in one transaction.
func (db *DB) UpsertConversations(convs []chat.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO conversations (conversation_id, peer_id, peer_display_name, peer_avatar_ref,
			last_message_preview, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			peer_id = excluded.peer_id,
			peer_display_name = excluded.peer_display_name,
			peer_avatar_ref = excluded.peer_avatar_ref,
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := stmt.Exec(c.ID, c.PeerID, c.PeerDisplayName, c.PeerAvatarRef,
			c.LastMessagePreview, toMillis(c.LastMessageAt), max(c.UnreadCount, 0), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListConversations returns cached rows, most recent first.
func (db *DB) ListConversations() ([]chat.Conversation, error) {
	rows, err := db.Query(`
		SELECT conversation_id, peer_id, peer_display_name, peer_avatar_ref,
			last_message_preview, last_message_at, unread_count
		FROM conversations
		ORDER BY last_message_at DESC, conversation_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single row, or nil if it is not cached.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	row := db.QueryRow(`
		SELECT conversation_id, peer_id, peer_display_name, peer_avatar_ref,
			last_message_preview, last_message_at, unread_count
		FROM conversations WHERE conversation_id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (chat.Conversation, error) {
	var c chat.Conversation
	var lastAt int64
	err := s.Scan(&c.ID, &c.PeerID, &c.PeerDisplayName, &c.PeerAvatarRef,
		&c.LastMessagePreview, &lastAt, &c.UnreadCount)
	c.LastMessageAt = fromMillis(lastAt)
	return c, err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
