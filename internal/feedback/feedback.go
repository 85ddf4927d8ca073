// Package feedback implements FeedbackLoop (spec §4.9): it accepts a
// user correction, persists the FeedbackRecord, drives the
// AppointmentStore state transition, and fans the correction out to
// PersonStore and PersonLearner so the next extraction benefits from it.
package feedback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/radarcore/termind/internal/appointment"
	"github.com/radarcore/termind/internal/person"
	"github.com/radarcore/termind/internal/store"
)

// Request is the input FeedbackLoop accepts from AdminAPI.
type Request struct {
	AppointmentID string
	Action        string // confirmed, rejected, edited, skipped
	Correction    string // opaque structured diff, stored as-is
	Reason        string
}

// PersonLearner is the narrow interface feedback.Loop needs from
// internal/personlearner, kept local to avoid a direct package import
// cycle risk and to make the dependency explicit at the call site.
type PersonLearner interface {
	LearnFromFeedback(title, action, reason string)
}

// CalendarSink is the narrow interface feedback.Loop needs from
// internal/calendar.
type CalendarSink interface {
	Move(ctx context.Context, a store.Appointment, fromStatus string, participantNames []string) error
	Delete(ctx context.Context, a store.Appointment) error
	Update(ctx context.Context, a store.Appointment, participantNames []string) error
}

// Loop wires the feedback pipeline.
type Loop struct {
	db       *store.Store
	appts    *appointment.Store
	persons  *person.Store
	calendar CalendarSink
	learner  PersonLearner
	logger   *slog.Logger
}

// New builds a Loop. calendar may be nil, in which case calendar sync
// is skipped; only an edit then flags the appointment with
// MarkPendingSync for later reconciliation.
func New(db *store.Store, appts *appointment.Store, persons *person.Store, calendar CalendarSink, learner PersonLearner, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{db: db, appts: appts, persons: persons, calendar: calendar, learner: learner, logger: logger.With("component", "feedback_loop")}
}

// Result summarizes what happened, useful for the AdminAPI response.
type Result struct {
	Appointment *store.Appointment
	PersonDiffs []person.Diff
}

// Apply persists req, drives the appointment state machine, and
// propagates learning signals. It never partially applies: if the
// appointment lookup fails, nothing else runs.
func (l *Loop) Apply(ctx context.Context, req Request) (Result, error) {
	appt, err := l.appts.Get(req.AppointmentID)
	if err != nil {
		return Result{}, fmt.Errorf("feedback: lookup appointment: %w", err)
	}
	if appt == nil {
		return Result{}, fmt.Errorf("feedback: appointment %s not found", req.AppointmentID)
	}
	previousStatus := appt.Status

	if err := l.db.InsertFeedback(store.Feedback{
		AppointmentID: req.AppointmentID,
		Action:        req.Action,
		Correction:    req.Correction,
		Reason:        req.Reason,
	}); err != nil {
		return Result{}, fmt.Errorf("feedback: persist record: %w", err)
	}

	switch req.Action {
	case "confirmed":
		if err := l.appts.Confirm(req.AppointmentID); err != nil {
			return Result{}, fmt.Errorf("feedback: confirm: %w", err)
		}
		if l.calendar != nil && previousStatus == appointment.StatusSuggested {
			confirmed := *appt
			confirmed.Status = appointment.StatusConfirmed
			if err := l.calendar.Move(ctx, confirmed, previousStatus, l.participantNames(appt)); err != nil {
				l.logger.Warn("calendar move on confirm failed", "appointment_id", req.AppointmentID, "error", err)
			}
		}
	case "rejected":
		if err := l.appts.Reject(req.AppointmentID); err != nil {
			return Result{}, fmt.Errorf("feedback: reject: %w", err)
		}
		if l.calendar != nil {
			if err := l.calendar.Delete(ctx, *appt); err != nil {
				l.logger.Warn("calendar delete on reject failed", "appointment_id", req.AppointmentID, "error", err)
			}
		}
	case "edited":
		if req.Correction != "" {
			appt.Reasoning = appt.Reasoning + " | korrigiert: " + req.Correction
		}
		// The row's own status is unchanged by an edit (spec §4.7);
		// only the correction note and downstream sync flag move.
		if err := l.db.UpdateAppointment(*appt); err != nil {
			return Result{}, fmt.Errorf("feedback: apply edit: %w", err)
		}
		if l.calendar != nil {
			if err := l.calendar.Update(ctx, *appt, l.participantNames(appt)); err != nil {
				l.logger.Warn("calendar update on edit failed", "appointment_id", req.AppointmentID, "error", err)
				if err := l.db.MarkPendingSync(req.AppointmentID, true); err != nil {
					l.logger.Warn("failed to flag pending sync after edit", "appointment_id", req.AppointmentID, "error", err)
				}
			}
		} else if err := l.db.MarkPendingSync(req.AppointmentID, true); err != nil {
			l.logger.Warn("failed to flag pending sync after edit", "appointment_id", req.AppointmentID, "error", err)
		}
	case "skipped":
		// No state transition beyond the feedback record itself; this
		// path exists for completeness with the feedback action set
		// (confirmed, rejected, edited, skipped).
	default:
		return Result{}, fmt.Errorf("feedback: unknown action %q", req.Action)
	}

	var diffs []person.Diff
	if l.persons != nil {
		for _, key := range appt.Participants {
			diff, err := l.persons.ApplyFeedback(key, req.Action, req.Correction, req.Reason)
			if err != nil {
				l.logger.Debug("apply feedback to person skipped", "person", key, "error", err)
				continue
			}
			diffs = append(diffs, diff)
		}
	}

	if l.learner != nil {
		l.learner.LearnFromFeedback(appt.Title, req.Action, req.Reason)
	}

	updated, err := l.appts.Get(req.AppointmentID)
	if err != nil {
		return Result{}, fmt.Errorf("feedback: reload appointment: %w", err)
	}
	return Result{Appointment: updated, PersonDiffs: diffs}, nil
}

// participantNames resolves appt's person keys to display names via
// PersonStore, falling back to the raw key when a person is unknown.
func (l *Loop) participantNames(appt *store.Appointment) []string {
	if l.persons == nil {
		return appt.Participants
	}
	names := make([]string, 0, len(appt.Participants))
	for _, key := range appt.Participants {
		if p := l.persons.Get(key); p != nil {
			names = append(names, p.Name)
		} else {
			names = append(names, key)
		}
	}
	return names
}
