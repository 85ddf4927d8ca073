package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func encodeList(list []string) string {
	if len(list) == 0 {
		return ""
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// InsertAppointment persists a new appointment row. Use within a
// BEGIN IMMEDIATE transaction (via DB()) when paired with a duplicate
// check, per spec §5's ordering-guarantee requirement.
func (s *Store) InsertAppointment(tx *sql.Tx, a Appointment) error {
	exec := s.execer(tx)
	if a.ID == "" {
		a.ID = NewID()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := exec.Exec(
		`INSERT INTO appointments
			(id, chat_id, title, datetime, date, all_day, end_datetime, participants,
			 category, relevance, status, confidence, source_message_ids, calendar_uid,
			 reasoning, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ChatID, a.Title, nullTime(a.DateTime), a.Date, a.AllDay, nullTime(a.EndDateTime),
		encodeList(a.Participants), a.Category, a.Relevance, a.Status, a.Confidence,
		encodeList(a.SourceMessageIDs), a.CalendarUID, a.Reasoning, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

// UpdateAppointment overwrites the mutable fields of an existing row.
func (s *Store) UpdateAppointment(a Appointment) error {
	a.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE appointments SET
			title=?, datetime=?, date=?, all_day=?, end_datetime=?, participants=?,
			category=?, relevance=?, status=?, confidence=?, source_message_ids=?,
			calendar_uid=?, reasoning=?, updated_at=?
		 WHERE id=?`,
		a.Title, nullTime(a.DateTime), a.Date, a.AllDay, nullTime(a.EndDateTime),
		encodeList(a.Participants), a.Category, a.Relevance, a.Status, a.Confidence,
		encodeList(a.SourceMessageIDs), a.CalendarUID, a.Reasoning, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	return nil
}

// SetStatus updates only the status column (state-machine transitions
// that don't otherwise touch the row).
func (s *Store) SetStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE appointments SET status=?, updated_at=? WHERE id=?`, status, time.Now().UTC(), id)
	return err
}

// GetAppointment fetches one row by id, or nil if absent.
func (s *Store) GetAppointment(id string) (*Appointment, error) {
	row := s.db.QueryRow(`SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ExistingAppointments returns up to max appointments for chatID whose
// datetime (or date, for all-day) falls within [from, to], ordered by
// start time (spec §4.2 step 2).
func (s *Store) ExistingAppointments(chatID string, from, to time.Time, max int) ([]Appointment, error) {
	rows, err := s.db.Query(
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE chat_id = ? AND status NOT IN ('rejected','cancelled')
		   AND (
			 (all_day = 0 AND datetime BETWEEN ? AND ?) OR
			 (all_day = 1 AND date BETWEEN ? AND ?)
		   )
		 ORDER BY COALESCE(datetime, date) ASC
		 LIMIT ?`,
		chatID, from.UTC(), to.UTC(), from.Format("2006-01-02"), to.Format("2006-01-02"), max,
	)
	if err != nil {
		return nil, fmt.Errorf("query existing appointments: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// AppointmentsSince returns up to max appointments across all chats
// created at or after since, most recent first (spec §4.10 step 3).
func (s *Store) AppointmentsSince(since time.Time, max int) ([]Appointment, error) {
	rows, err := s.db.Query(
		`SELECT `+appointmentColumns+` FROM appointments WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`,
		since.UTC(), max,
	)
	if err != nil {
		return nil, fmt.Errorf("query appointments since: %w", err)
	}
	defer rows.Close()
	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// StaleSuggested returns 'suggested' appointments older than cutoff,
// used by the skip-after-30-days transition (spec §4.7).
func (s *Store) StaleSuggested(cutoff time.Time) ([]Appointment, error) {
	rows, err := s.db.Query(`SELECT `+appointmentColumns+` FROM appointments WHERE status = 'suggested' AND created_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stale suggested: %w", err)
	}
	defer rows.Close()
	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// PendingSync returns appointments flagged for calendar reconciliation.
func (s *Store) PendingSync() ([]Appointment, error) {
	rows, err := s.db.Query(`SELECT ` + appointmentColumns + ` FROM appointments WHERE pending_sync = 1`)
	if err != nil {
		return nil, fmt.Errorf("query pending sync: %w", err)
	}
	defer rows.Close()
	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// MarkPendingSync flags or clears an appointment's pending-sync bit.
func (s *Store) MarkPendingSync(id string, pending bool) error {
	_, err := s.db.Exec(`UPDATE appointments SET pending_sync = ? WHERE id = ?`, pending, id)
	return err
}

const appointmentColumns = `id, chat_id, title, datetime, date, all_day, end_datetime, participants,
	category, relevance, status, confidence, source_message_ids, calendar_uid, reasoning, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row scanner) (*Appointment, error) {
	var a Appointment
	var dt, end sql.NullTime
	var date, participants, sourceIDs, calendarUID, reasoning sql.NullString

	err := row.Scan(
		&a.ID, &a.ChatID, &a.Title, &dt, &date, &a.AllDay, &end, &participants,
		&a.Category, &a.Relevance, &a.Status, &a.Confidence, &sourceIDs, &calendarUID,
		&reasoning, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if dt.Valid {
		t := dt.Time
		a.DateTime = &t
	}
	if end.Valid {
		t := end.Time
		a.EndDateTime = &t
	}
	a.Date = date.String
	a.Participants = decodeList(participants.String)
	a.SourceMessageIDs = decodeList(sourceIDs.String)
	a.CalendarUID = calendarUID.String
	a.Reasoning = reasoning.String
	return &a, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return s.db
}
