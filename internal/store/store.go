// Package store is the SQLite-backed relational layer shared by
// ConversationWindow, AppointmentStore, and FeedbackLoop. One database,
// four tables (analysis is only a schema hook), additive migrations — grounded on the teacher's
// facts.Store (CREATE TABLE IF NOT EXISTS + indexes) and
// anticipation.Store (ALTER TABLE ... ADD COLUMN migration loop that
// ignores only "duplicate column name" errors).
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Message is a read-only view of an ingested chat message (owned by
// the external capture layer; this store only persists what ingest
// hands it).
type Message struct {
	ID        string
	ChatID    string
	Sender    string
	Text      string
	Timestamp time.Time
	ReplyTo   string
}

// Appointment is the persisted row backing spec §3's Appointment type.
type Appointment struct {
	ID               string
	ChatID           string
	Title            string
	DateTime         *time.Time // nil when AllDay
	Date             string     // YYYY-MM-DD, set when AllDay
	AllDay           bool
	EndDateTime      *time.Time
	Participants      []string
	Category         string
	Relevance        string
	Status           string
	Confidence       float64
	SourceMessageIDs []string
	CalendarUID      string
	Reasoning        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Feedback is the persisted row backing spec §3's FeedbackRecord type.
type Feedback struct {
	ID            string
	AppointmentID string
	Action        string // confirmed, rejected, edited, skipped
	Correction    string // JSON-encoded structured diff, opaque here
	Reason        string
	CreatedAt     time.Time
}

// Store wraps the shared database connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(8)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for components (AppointmentStore's
// duplicate-check transaction) that need BEGIN IMMEDIATE semantics.
// Open sets _txlock=immediate, so every BeginTx on it issues BEGIN
// IMMEDIATE.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		reply_to TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages(chat_id, timestamp);

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		title TEXT NOT NULL,
		datetime TIMESTAMP,
		date TEXT,
		all_day INTEGER NOT NULL DEFAULT 0,
		end_datetime TIMESTAMP,
		participants TEXT,
		category TEXT,
		relevance TEXT,
		status TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		source_message_ids TEXT,
		calendar_uid TEXT,
		pending_sync INTEGER NOT NULL DEFAULT 0,
		reasoning TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_appointments_chat_time ON appointments(chat_id, datetime);
	CREATE INDEX IF NOT EXISTS idx_appointments_status ON appointments(status);

	-- Schema hook for the peer analysis pipeline (sentiment/markers).
	-- This core creates the table but never writes to it.
	CREATE TABLE IF NOT EXISTS analysis (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		appointment_id TEXT NOT NULL,
		action TEXT NOT NULL,
		correction TEXT,
		reason TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_appointment ON feedback(appointment_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Additive migrations: new columns on existing installs. Only the
	// "duplicate column name" error is swallowed, matching the
	// teacher's anticipation.Store migration loop.
	additive := []string{
		`ALTER TABLE appointments ADD COLUMN pending_sync INTEGER NOT NULL DEFAULT 0`,
	}
	for _, stmt := range additive {
		if _, err := s.db.Exec(stmt); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return err
			}
		}
	}
	return nil
}

// NewID returns a time-ordered UUID, falling back to a random UUID if
// entropy for V7 generation fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
