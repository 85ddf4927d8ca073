package store

import (
	"database/sql"
	"fmt"
	"time"
)

// InsertMessage persists an ingested message. Messages are write-once;
// callers never update or delete them.
func (s *Store) InsertMessage(m Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, chat_id, sender, text, timestamp, reply_to) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.Sender, m.Text, m.Timestamp.UTC(), m.ReplyTo,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the last n messages for chatID, strictly
// before the current message's timestamp, oldest first (spec §4.2
// step 1 — never includes the message currently being analyzed).
func (s *Store) RecentMessages(chatID string, before time.Time, n int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, sender, text, timestamp, reply_to FROM messages
		 WHERE chat_id = ? AND timestamp < ?
		 ORDER BY timestamp DESC LIMIT ?`,
		chatID, before.UTC(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var replyTo sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Text, &m.Timestamp, &replyTo); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ReplyTo = replyTo.String
		out = append(out, m)
	}
	// Reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// MessagesSince returns up to n messages across all chats with
// timestamp >= since, oldest first (spec §4.10 step 1 — ReflectionAgent
// works across the whole household, not one conversation).
func (s *Store) MessagesSince(since time.Time, n int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, sender, text, timestamp, reply_to FROM messages
		 WHERE timestamp >= ?
		 ORDER BY timestamp DESC LIMIT ?`,
		since.UTC(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages since: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var replyTo sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Text, &m.Timestamp, &replyTo); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ReplyTo = replyTo.String
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
