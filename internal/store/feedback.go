package store

import (
	"fmt"
	"time"
)

// InsertFeedback persists a FeedbackRecord.
func (s *Store) InsertFeedback(f Feedback) error {
	if f.ID == "" {
		f.ID = NewID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO feedback (id, appointment_id, action, correction, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.AppointmentID, f.Action, f.Correction, f.Reason, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// RecentFeedback returns the last limit feedback records of the given
// actions for appointments belonging to chatID, most recent first
// (spec §4.2 step 5).
func (s *Store) RecentFeedback(chatID string, actions []string, limit int) ([]Feedback, error) {
	if len(actions) == 0 {
		actions = []string{"rejected", "edited"}
	}
	placeholders := ""
	args := []any{}
	for i, a := range actions {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, a)
	}
	args = append(args, chatID, limit)

	query := fmt.Sprintf(`
		SELECT f.id, f.appointment_id, f.action, f.correction, f.reason, f.created_at
		FROM feedback f
		JOIN appointments a ON a.id = f.appointment_id
		WHERE f.action IN (%s) AND a.chat_id = ?
		ORDER BY f.created_at DESC
		LIMIT ?`, placeholders)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.AppointmentID, &f.Action, &f.Correction, &f.Reason, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FeedbackSince returns up to limit feedback records of any action
// across all chats, created at or after since, most recent first
// (spec §4.10 step 3 — the reflection agent looks at the whole
// household's last 7 days, not one conversation's rejected/edited).
func (s *Store) FeedbackSince(since time.Time, limit int) ([]Feedback, error) {
	rows, err := s.db.Query(
		`SELECT id, appointment_id, action, correction, reason, created_at
		 FROM feedback WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`,
		since.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query feedback since: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.AppointmentID, &f.Action, &f.Correction, &f.Reason, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
