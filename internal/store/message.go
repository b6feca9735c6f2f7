package store

import (
	"time"

	"github.com/matheus3301/chatline/internal/chat"
)

// DefaultHistoryLimit bounds how much history is read back per conversation.
const DefaultHistoryLimit = 500

// SaveMessages caches confirmed messages (idempotent on conversation + message
// id). Pending and failed entries are skipped; the cache only mirrors server
// state.
func (db *DB) SaveMessages(msgs []chat.Message) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (conversation_id, message_id, author_id, body, attachment_ref, message_type, created_at, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			body = excluded.body,
			attachment_ref = excluded.attachment_ref,
			created_at = excluded.created_at`)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	saved := 0
	for _, m := range msgs {
		if m.State != chat.Confirmed || m.MessageID == "" || m.ConversationID == "" {
			continue
		}
		msgType := m.MessageType
		if msgType == "" {
			msgType = "text"
		}
		if _, err := stmt.Exec(m.ConversationID, m.MessageID, m.AuthorID, m.Body, m.AttachmentRef,
			msgType, toMillis(m.CreatedAt), now); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, tx.Commit()
}

// ListMessages returns the newest limit cached messages of a conversation in
// chronological order.
func (db *DB) ListMessages(conversationID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := db.Query(`
		SELECT conversation_id, message_id, author_id, body, attachment_ref, message_type, created_at
		FROM (
			SELECT rowid AS rid, conversation_id, message_id, author_id, body, attachment_ref, message_type, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, rid DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, rid ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var createdAt int64
		if err := rows.Scan(&m.ConversationID, &m.MessageID, &m.AuthorID, &m.Body, &m.AttachmentRef,
			&m.MessageType, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(createdAt)
		m.State = chat.Confirmed
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
