// Package appointment implements the AppointmentStore state machine
// (spec §4.7) and the duplicate-or-update scoring used by the
// extraction validator (spec §4.4 rule 7). It persists through
// internal/store and never talks to the calendar directly — CalendarSink
// is driven by the caller (the pipeline) after a state transition.
package appointment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/radarcore/termind/internal/store"
)

// Status values for spec §4.7's state machine.
const (
	StatusAuto      = "auto"
	StatusSuggested = "suggested"
	StatusConfirmed = "confirmed"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// Store wraps the relational store with appointment business logic.
type Store struct {
	db     *store.Store
	logger *slog.Logger

	confidenceAutoThreshold    float64
	duplicateThreshold         float64
	duplicateSuppressThreshold float64
}

// Config holds the thresholds from spec §6.
type Config struct {
	ConfidenceAutoThreshold    float64
	DuplicateThreshold         float64
	DuplicateSuppressThreshold float64
}

// New creates an appointment Store.
func New(db *store.Store, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:                         db,
		logger:                     logger.With("component", "appointment_store"),
		confidenceAutoThreshold:    cfg.ConfidenceAutoThreshold,
		duplicateThreshold:         cfg.DuplicateThreshold,
		duplicateSuppressThreshold: cfg.DuplicateSuppressThreshold,
	}
}

// DuplicateDecision is the outcome of checking a candidate create
// action against the existing-appointments window (spec §4.4 rule 7).
type DuplicateDecision struct {
	// Suppress means the action is a near-exact duplicate and should
	// be dropped entirely.
	Suppress bool
	// RewriteToUpdate carries the id of the existing appointment this
	// action should update instead of creating a new row.
	RewriteToUpdate string
	Score           float64
}

// ScoreDuplicate computes the duplicate score between a candidate
// title+time and an existing appointment, per spec §4.4 rule 7:
// 0.5*title_token_jaccard + 0.5*indicator(|time_delta| < 30min).
func ScoreDuplicate(candidateTitle string, candidateTime time.Time, existing store.Appointment) float64 {
	jaccard := tokenJaccard(candidateTitle, existing.Title)

	timeScore := 0.0
	if existing.DateTime != nil {
		delta := candidateTime.Sub(*existing.DateTime)
		if delta < 0 {
			delta = -delta
		}
		if delta < 30*time.Minute {
			timeScore = 1.0
		}
	}
	return 0.5*jaccard + 0.5*timeScore
}

func tokenJaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	intersection, union := 0, len(ta)
	for t := range tb {
		if ta[t] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}

// CheckDuplicate looks at existing appointments within a 14-day window
// around candidateTime and returns the highest-scoring decision. A
// score at or above the suppress threshold suppresses only when the
// titles are also identical after lower-casing and whitespace
// normalization; otherwise it rewrites to an update like any score at
// or above the duplicate threshold.
func (s *Store) CheckDuplicate(chatID, candidateTitle string, candidateTime time.Time) (DuplicateDecision, error) {
	from := candidateTime.Add(-14 * 24 * time.Hour)
	to := candidateTime.Add(14 * 24 * time.Hour)

	existing, err := s.db.ExistingAppointments(chatID, from, to, 100)
	if err != nil {
		return DuplicateDecision{}, fmt.Errorf("check duplicate: %w", err)
	}

	best := DuplicateDecision{}
	for _, e := range existing {
		score := ScoreDuplicate(candidateTitle, candidateTime, e)
		if score > best.Score {
			best = DuplicateDecision{Score: score}
			sameTitle := strings.Join(strings.Fields(strings.ToLower(candidateTitle)), " ") ==
				strings.Join(strings.Fields(strings.ToLower(e.Title)), " ")
			if score >= s.duplicateSuppressThreshold && sameTitle {
				best.Suppress = true
			} else if score >= s.duplicateThreshold {
				best.RewriteToUpdate = e.ID
			}
		}
	}
	return best, nil
}

// CreateWithDedup runs the duplicate check and the insert inside a
// single BEGIN IMMEDIATE transaction (store.Open sets _txlock=immediate).
// The database-wide write lock SQLite takes at BEGIN serializes
// concurrent calls, so two racing extractions cannot both pass the
// check and insert (spec §5's ordering-guarantee boundary).
func (s *Store) CreateWithDedup(ctx context.Context, a store.Appointment) (id string, rewroteToUpdate string, suppressed bool, err error) {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return "", "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	candidateTime := a.DateTime
	if candidateTime == nil {
		// All-day candidates are compared at midnight local; callers
		// normalize Date into DateTime==nil, Date=="YYYY-MM-DD".
		parsed, perr := time.Parse("2006-01-02", a.Date)
		if perr == nil {
			candidateTime = &parsed
		}
	}

	var decision DuplicateDecision
	if candidateTime != nil {
		decision, err = s.CheckDuplicate(a.ChatID, a.Title, *candidateTime)
		if err != nil {
			return "", "", false, err
		}
	}

	if decision.Suppress {
		if cerr := tx.Commit(); cerr != nil {
			return "", "", false, cerr
		}
		return "", "", true, nil
	}

	if decision.RewriteToUpdate != "" {
		if cerr := tx.Commit(); cerr != nil {
			return "", "", false, cerr
		}
		return "", decision.RewriteToUpdate, false, nil
	}

	a.Status = s.initialStatus(a.Confidence)
	if err = s.db.InsertAppointment(tx, a); err != nil {
		return "", "", false, err
	}
	if err = tx.Commit(); err != nil {
		return "", "", false, err
	}
	return a.ID, "", false, nil
}

// initialStatus applies the confidence-gated routing decision: auto
// (confirmed calendar) above threshold, suggested below it.
func (s *Store) initialStatus(confidence float64) string {
	if confidence >= s.confidenceAutoThreshold {
		return StatusAuto
	}
	return StatusSuggested
}

// ApplyUpdate merges fields from action into the existing row id.
func (s *Store) ApplyUpdate(id string, mutate func(a *store.Appointment)) (*store.Appointment, error) {
	a, err := s.db.GetAppointment(id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("appointment %s not found", id)
	}
	mutate(a)
	if err := s.db.UpdateAppointment(*a); err != nil {
		return nil, err
	}
	return a, nil
}

// Cancel transitions id to cancelled.
func (s *Store) Cancel(id string) error {
	return s.db.SetStatus(id, StatusCancelled)
}

// Confirm transitions id to confirmed — from either auto or suggested.
func (s *Store) Confirm(id string) error {
	return s.db.SetStatus(id, StatusConfirmed)
}

// Reject transitions id to rejected (terminal).
func (s *Store) Reject(id string) error {
	return s.db.SetStatus(id, StatusRejected)
}

// ExpireStaleSuggestions transitions 'suggested' appointments older
// than maxAge to 'skipped' (spec §4.7's 30-day rule) and returns the
// ids that changed.
func (s *Store) ExpireStaleSuggestions(maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge)
	stale, err := s.db.StaleSuggested(cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, a := range stale {
		if err := s.db.SetStatus(a.ID, StatusSkipped); err != nil {
			s.logger.Warn("failed to expire stale suggestion", "id", a.ID, "error", err)
			continue
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// Get fetches one appointment by id.
func (s *Store) Get(id string) (*store.Appointment, error) {
	return s.db.GetAppointment(id)
}

// PendingSync returns every appointment flagged pending_sync, for the
// reconciliation job (spec §4.12) to retry against the calendar.
func (s *Store) PendingSync() ([]store.Appointment, error) {
	return s.db.PendingSync()
}

// ErrNotFound is returned by callers that need to distinguish a
// missing row; kept here for symmetry even though ApplyUpdate already
// wraps it with context.
var ErrNotFound = sql.ErrNoRows
