// Package calendar implements CalendarSink (spec §4.8): it owns the
// appointment.ID <-> CalendarUID binding and translates appointments
// into iCalendar VEVENTs against a CalDAV server with two logical
// collections, confirmed and suggested. Grounded on
// github.com/emersion/go-webdav's caldav client and
// github.com/emersion/go-ical for VEVENT/VALARM construction — neither
// the teacher nor the rest of the example pack touches CalDAV, so this
// package is built directly from the libraries' documented surface
// rather than an in-pack precedent.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/radarcore/termind/internal/store"
)

// Config points the sink at the two CalDAV collections.
type Config struct {
	BaseURL       string
	Username      string
	Password      string
	ConfirmedPath string // collection path for confirmed appointments
	SuggestedPath string // collection path for suggested appointments

	// ReminderAppointMinutes/ReminderTaskMinutes are offsets in minutes
	// relative to the event start (negative = before) used to build
	// VALARM components per category (spec §6 defaults).
	ReminderAppointMinutes []int
	ReminderTaskMinutes    []int
}

// Sink writes, updates, and deletes appointments against the CalDAV
// server. It never blocks the database transition on remote failure —
// callers log and continue (spec §4.8).
type Sink struct {
	client     *caldav.Client
	cfg        Config
	logger     *slog.Logger
}

// New builds a Sink. baseHTTPClient lets callers inject the shared
// httpkit-built *http.Client (timeouts, retries, user-agent already
// applied).
func New(cfg Config, baseHTTPClient webdav.HTTPClient, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	authed := baseHTTPClient
	if cfg.Username != "" {
		authed = webdav.HTTPClientWithBasicAuth(baseHTTPClient, cfg.Username, cfg.Password)
	}
	client, err := caldav.NewClient(authed, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("new caldav client: %w", err)
	}
	return &Sink{client: client, cfg: cfg, logger: logger.With("component", "calendar_sink")}, nil
}

func (s *Sink) collectionPath(status string) string {
	if status == "confirmed" || status == "auto" {
		return s.cfg.ConfirmedPath
	}
	return s.cfg.SuggestedPath
}

// Write creates a remote VEVENT for a newly-created appointment and
// returns the CalendarUID to persist on the row. Failures are logged
// and return an error the caller MAY ignore (the spec treats a
// failed write as non-blocking for the database transition).
func (s *Sink) Write(ctx context.Context, a store.Appointment, participantNames []string) (string, error) {
	uid := a.ID
	cal := buildEvent(uid, a, participantNames, s.alarmOffsets(a.Category))

	path := s.cfg.collectionObjectPath(s.collectionPath(a.Status), uid)
	if _, err := s.client.PutCalendarObject(ctx, path, cal); err != nil {
		s.logger.Warn("calendar write failed", "appointment_id", a.ID, "error", err)
		return "", fmt.Errorf("put calendar object: %w", err)
	}
	return uid, nil
}

// Update rewrites the remote event in place within its current
// collection (confirmed vs. suggested unchanged).
func (s *Sink) Update(ctx context.Context, a store.Appointment, participantNames []string) error {
	if a.CalendarUID == "" {
		_, err := s.Write(ctx, a, participantNames)
		return err
	}
	cal := buildEvent(a.CalendarUID, a, participantNames, s.alarmOffsets(a.Category))
	path := s.cfg.collectionObjectPath(s.collectionPath(a.Status), a.CalendarUID)
	if _, err := s.client.PutCalendarObject(ctx, path, cal); err != nil {
		s.logger.Warn("calendar update failed", "appointment_id", a.ID, "error", err)
		return fmt.Errorf("put calendar object: %w", err)
	}
	return nil
}

// Move deletes the event from fromStatus's collection and re-writes
// it into toStatus's collection (delete-then-write, best-effort
// atomicity per the §4.8 invariant).
func (s *Sink) Move(ctx context.Context, a store.Appointment, fromStatus string, participantNames []string) error {
	if a.CalendarUID == "" {
		_, err := s.Write(ctx, a, participantNames)
		return err
	}
	oldPath := s.cfg.collectionObjectPath(s.collectionPath(fromStatus), a.CalendarUID)
	if err := s.client.RemoveAll(ctx, oldPath); err != nil {
		s.logger.Warn("calendar move: failed to remove source event", "appointment_id", a.ID, "error", err)
	}
	cal := buildEvent(a.CalendarUID, a, participantNames, s.alarmOffsets(a.Category))
	newPath := s.cfg.collectionObjectPath(s.collectionPath(a.Status), a.CalendarUID)
	if _, err := s.client.PutCalendarObject(ctx, newPath, cal); err != nil {
		s.logger.Warn("calendar move: failed to write destination event", "appointment_id", a.ID, "error", err)
		return fmt.Errorf("put calendar object: %w", err)
	}
	return nil
}

// Delete removes the remote event for a rejected/cancelled appointment.
func (s *Sink) Delete(ctx context.Context, a store.Appointment) error {
	if a.CalendarUID == "" {
		return nil
	}
	path := s.cfg.collectionObjectPath(s.collectionPath(a.Status), a.CalendarUID)
	if err := s.client.RemoveAll(ctx, path); err != nil {
		s.logger.Warn("calendar delete failed", "appointment_id", a.ID, "error", err)
		return fmt.Errorf("remove calendar object: %w", err)
	}
	return nil
}

func (cfg Config) collectionObjectPath(collection, uid string) string {
	collection = strings.TrimSuffix(collection, "/")
	return collection + "/" + uid + ".ics"
}

func (s *Sink) alarmOffsets(category string) []int {
	if category == "task" {
		return s.cfg.ReminderTaskMinutes
	}
	return s.cfg.ReminderAppointMinutes
}

// setText sets a single text-valued property on props, replacing any
// existing value — go-ical exposes setters on *Prop, not on the Props
// map, so every call site builds a Prop first.
func setText(props ical.Props, name, value string) {
	prop := ical.NewProp(name)
	prop.SetText(value)
	props.Set(prop)
}

func setDateTime(props ical.Props, name string, t time.Time) {
	prop := ical.NewProp(name)
	prop.SetDateTime(t)
	props.Set(prop)
}

func setDate(props ical.Props, name string, t time.Time) {
	prop := ical.NewProp(name)
	prop.SetDate(t)
	props.Set(prop)
}

// buildEvent translates an Appointment into a VEVENT, folding
// participant names and the reasoning/source-message-ids into the
// description, plus one VALARM per configured reminder offset.
func buildEvent(uid string, a store.Appointment, participantNames []string, alarmOffsetsMin []int) *ical.Calendar {
	cal := ical.NewCalendar()
	setText(cal.Props, ical.PropVersion, "2.0")
	setText(cal.Props, ical.PropProductID, "-//termind//appointment-core//DE")

	event := ical.NewEvent()
	setText(event.Props, ical.PropUID, uid)
	setText(event.Props, ical.PropSummary, a.Title)
	setDateTime(event.Props, ical.PropDateTimeStamp, time.Now().UTC())

	if a.AllDay {
		if d, err := time.Parse("2006-01-02", a.Date); err == nil {
			setDate(event.Props, ical.PropDateTimeStart, d)
		}
	} else if a.DateTime != nil {
		setDateTime(event.Props, ical.PropDateTimeStart, *a.DateTime)
		if a.EndDateTime != nil {
			setDateTime(event.Props, ical.PropDateTimeEnd, *a.EndDateTime)
		}
	}

	var desc strings.Builder
	if len(participantNames) > 0 {
		fmt.Fprintf(&desc, "Teilnehmer: %s\n", strings.Join(participantNames, ", "))
	}
	if a.Reasoning != "" {
		fmt.Fprintf(&desc, "Begründung: %s\n", a.Reasoning)
	}
	if len(a.SourceMessageIDs) > 0 {
		fmt.Fprintf(&desc, "Quelle: %s\n", strings.Join(a.SourceMessageIDs, ", "))
	}
	if desc.Len() > 0 {
		setText(event.Props, ical.PropDescription, desc.String())
	}
	if a.Category != "" {
		setText(event.Props, ical.PropCategories, a.Category)
	}

	for _, offset := range alarmOffsetsMin {
		alarm := ical.NewComponent(ical.CompAlarm)
		setText(alarm.Props, ical.PropAction, "DISPLAY")
		setText(alarm.Props, ical.PropDescription, "Erinnerung: "+a.Title)
		triggerProp := ical.NewProp(ical.PropTrigger)
		triggerProp.SetDuration(time.Duration(offset) * time.Minute)
		alarm.Props.Set(triggerProp)
		event.Children = append(event.Children, alarm)
	}

	cal.Children = append(cal.Children, event.Component)
	return cal
}
