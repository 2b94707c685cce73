package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pulsehq/pulse/internal/wire"
)

// ReplaceRoomComments swaps the cached comment list of a room for the
// given snapshot, atomically. Server order is preserved via position.
func (db *DB) ReplaceRoomComments(roomID string, seq uint64, comments []wire.Comment) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO room_snapshots (room_id, seq, applied_at)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			seq = excluded.seq,
			applied_at = excluded.applied_at`,
		roomID, seq, now); err != nil {
		return fmt.Errorf("upsert room snapshot: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM comments WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("clear room comments: %w", err)
	}

	for i, c := range comments {
		var authorID, authorName sql.NullString
		if c.Author != nil {
			authorID = sql.NullString{String: c.Author.ID, Valid: true}
			authorName = sql.NullString{String: c.Author.Name, Valid: true}
		}
		if _, err := tx.Exec(`
			INSERT INTO comments (room_id, position, comment_id, body, author_id, author_name, reply_to, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			roomID, i, c.ID, c.Text, authorID, authorName, nullable(c.ReplyTo), c.CreatedAt); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// ListRoomComments returns the cached comments of a room in snapshot order.
func (db *DB) ListRoomComments(roomID string) ([]wire.Comment, error) {
	rows, err := db.Query(`
		SELECT comment_id, body, author_id, author_name, reply_to, created_at
		FROM comments
		WHERE room_id = ?
		ORDER BY position ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var comments []wire.Comment
	for rows.Next() {
		var c wire.Comment
		var authorID, authorName, replyTo sql.NullString
		if err := rows.Scan(&c.ID, &c.Text, &authorID, &authorName, &replyTo, &c.CreatedAt); err != nil {
			return nil, err
		}
		if authorID.Valid {
			c.Author = &wire.Author{ID: authorID.String, Name: authorName.String}
		}
		c.ReplyTo = replyTo.String
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// ListRoomSnapshots returns the snapshot record of every cached room.
func (db *DB) ListRoomSnapshots() ([]RoomSnapshot, error) {
	rows, err := db.Query(`SELECT room_id, seq, applied_at FROM room_snapshots`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var snaps []RoomSnapshot
	for rows.Next() {
		var s RoomSnapshot
		if err := rows.Scan(&s.RoomID, &s.Seq, &s.AppliedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// DeleteRoomComments drops a room's cached snapshot and comments.
func (db *DB) DeleteRoomComments(roomID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM comments WHERE room_id = ?`, roomID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM room_snapshots WHERE room_id = ?`, roomID); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
