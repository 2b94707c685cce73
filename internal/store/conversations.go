package store

import (
	"fmt"
	"time"
)

// UpsertConversations inserts or refreshes a page of conversation
// summaries in one transaction.
func (db *DB) UpsertConversations(convs []Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, title, last_message_preview, last_activity_at, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				last_message_preview = excluded.last_message_preview,
				last_activity_at = excluded.last_activity_at,
				unread_count = excluded.unread_count,
				updated_at = excluded.updated_at`,
			c.ID, c.Title, c.LastMessagePreview, c.LastActivityAt, c.UnreadCount, now); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
	}
	return tx.Commit()
}

// ListConversations returns cached summaries sorted by last activity descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, title, last_message_preview, last_activity_at, unread_count
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.LastMessagePreview, &c.LastActivityAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
