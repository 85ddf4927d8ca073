// Package validator implements the ExtractionValidator (spec §4.4):
// it normalizes raw cascade.AppointmentAction values into
// appointment.store.Appointment candidates, applying ordered rules 1-6
// and 8 in turn and discarding what cannot be recovered. Rule 7
// (duplicate-or-update) runs in appointment.Store.CreateWithDedup.
package validator

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/radarcore/termind/internal/cascade"
	"github.com/radarcore/termind/internal/person"
	"github.com/radarcore/termind/internal/store"
)

// Candidate is a validated, normalized action ready for the
// appointment state machine. Action mirrors cascade.AppointmentAction's
// Action field ("create", "update", "cancel").
type Candidate struct {
	Action          string
	UpdatesTerminID string
	Appointment     store.Appointment
	Note            string // optional reasoning annotation; Validate leaves it empty
}

// Input bundles everything the validator needs beyond the raw actions.
type Input struct {
	ChatID             string
	MessageID          string
	MessageTimestamp   time.Time // in UTC
	Zone               *time.Location
	DetectedPersons     []*person.Person
	ExistingAppointments []store.Appointment
}

// Validator applies spec §4.4's ordered rules.
type Validator struct{}

// New constructs a Validator.
func New() *Validator { return &Validator{} }

// Validate normalizes raw into zero or more Candidates, applying rules
// 1-6 and 8. Order matters: later rules assume earlier ones already
// ran, and rule 7's duplicate check, run afterwards by the caller,
// assumes datetime is already resolved and past-suppression applied.
func (v *Validator) Validate(raw []cascade.AppointmentAction, in Input) []Candidate {
	zone := in.Zone
	if zone == nil {
		zone = time.UTC
	}

	var out []Candidate
	for _, a := range raw {
		c, ok := v.normalizeOne(a, in, zone)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// normalizeOne applies rules 1-6 and 8 to a single action; rule 7
// (duplicate-or-update) is left to the caller, which has exclusive
// access to the transactional appointment store (CreateWithDedup).
func (v *Validator) normalizeOne(a cascade.AppointmentAction, in Input, zone *time.Location) (Candidate, bool) {
	// Rule 1: schema shape.
	if a.Action == "" || a.Title == "" {
		return Candidate{}, false
	}
	if a.DateTime == "" && a.Date == "" {
		return Candidate{}, false
	}
	if a.Action != "create" && a.UpdatesTerminID == "" {
		return Candidate{}, false
	}

	appt := store.Appointment{
		Title:            strings.TrimSpace(a.Title),
		Participants:     a.Participants,
		Category:         a.Category,
		SourceMessageIDs: []string{in.MessageID},
		Reasoning:        "",
	}

	// Rule 4: end-vs-start parsing, checked against the raw title
	// before rule 2 consumes DateTime/EndDateTime.
	start, end := resolveStartEnd(a, zone)

	// Rule 2: time normalization.
	if start == nil && a.Date != "" {
		appt.AllDay = true
		appt.Date = a.Date
	} else if start != nil {
		appt.DateTime = start
		appt.AllDay = false
	} else {
		return Candidate{}, false
	}
	appt.EndDateTime = end

	// Rule 3: past suppression — resolved start must not be earlier
	// than message timestamp minus 24h.
	cutoff := in.MessageTimestamp.Add(-24 * time.Hour)
	if appt.DateTime != nil && appt.DateTime.Before(cutoff) {
		return Candidate{}, false
	}
	if appt.AllDay {
		if d, err := time.ParseInLocation("2006-01-02", appt.Date, zone); err == nil && d.Before(cutoff) {
			return Candidate{}, false
		}
	}

	// Rule 5: prep-task suppression.
	if isPrepTask(appt.Title) && relatedExistingAppointment(appt.Title, in.ExistingAppointments) {
		appt.Reasoning = "demoted: preparatory task for an existing appointment"
		return Candidate{}, false
	}

	// Rule 6: relevance inference.
	appt.Relevance = inferRelevance(a.Relevance, in.DetectedPersons)

	// Rule 8: confidence clamp.
	appt.Confidence = clampConfidence(a.Confidence)

	return Candidate{
		Action:          a.Action,
		UpdatesTerminID: a.UpdatesTerminID,
		Appointment:     appt,
	}, true
}

var bisPattern = regexp.MustCompile(`(?i)\bbis\s+(\d{1,2}[:.]\d{2})\b`)
var vonBisPattern = regexp.MustCompile(`(?i)\bvon\s+(\d{1,2}[:.]\d{2})\s+bis\s+(\d{1,2}[:.]\d{2})\b`)

// resolveStartEnd implements rule 4. It prefers the explicit
// DateTime/EndDateTime fields the LLM already supplied. A "von X bis Y"
// title fills the start (and a missing end) only when DateTime is
// missing or unparseable; a "bis Y" title fills the end whenever
// EndDateTime is missing, without touching the start.
func resolveStartEnd(a cascade.AppointmentAction, zone *time.Location) (*time.Time, *time.Time) {
	var start, end *time.Time

	if a.DateTime != "" {
		if t, err := parseLocal(a.DateTime, zone); err == nil {
			start = &t
		}
	}
	if a.EndDateTime != "" {
		if t, err := parseLocal(a.EndDateTime, zone); err == nil {
			end = &t
		}
	}

	baseDate := a.Date
	if baseDate == "" && a.DateTime != "" {
		baseDate = a.DateTime[:10]
	}

	if start == nil {
		if m := vonBisPattern.FindStringSubmatch(a.Title); m != nil {
			if s, err := combineDateTime(baseDate, m[1], zone); err == nil {
				start = &s
			}
			if end == nil {
				if e, err := combineDateTime(baseDate, m[2], zone); err == nil {
					end = &e
				}
			}
			return start, end
		}
	}
	if end == nil {
		if m := bisPattern.FindStringSubmatch(a.Title); m != nil {
			if e, err := combineDateTime(baseDate, m[1], zone); err == nil {
				end = &e
			}
		}
	}

	return start, end
}

func parseLocal(s string, zone *time.Location) (time.Time, error) {
	layouts := []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, zone); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

func combineDateTime(date, clock string, zone *time.Location) (time.Time, error) {
	clock = strings.ReplaceAll(clock, ".", ":")
	if date == "" {
		return time.Time{}, strconv.ErrSyntax
	}
	return time.ParseInLocation("2006-01-02 15:04", date+" "+clock, zone)
}

var prepTaskPattern = regexp.MustCompile(`(?i)\b(\w+)\s+(einpacken|kaufen|backen|vorbereiten)\b`)

func isPrepTask(title string) bool {
	return prepTaskPattern.MatchString(title)
}

// relatedExistingAppointment considers a prep task related to an
// existing appointment if the task's subject word shares a common
// stem with any word in the existing title (e.g. "Schwimmsachen" /
// "Schwimmtraining"), since the LLM rarely repeats the exact noun.
func relatedExistingAppointment(title string, existing []store.Appointment) bool {
	m := prepTaskPattern.FindStringSubmatch(title)
	if m == nil {
		return false
	}
	subject := strings.ToLower(m[1])
	for _, e := range existing {
		for _, word := range strings.Fields(strings.ToLower(e.Title)) {
			if sharesStem(subject, word) {
				return true
			}
		}
	}
	return false
}

func sharesStem(a, b string) bool {
	n := 5
	if len(a) < n || len(b) < n {
		n = min(len(a), len(b))
	}
	if n == 0 {
		return false
	}
	return a[:n] == b[:n]
}

func inferRelevance(llmRelevance string, detected []*person.Person) string {
	hasChild, hasPartner, hasUser := false, false, false
	for _, p := range detected {
		switch strings.ToLower(p.Role) {
		case "child", "kind":
			hasChild = true
		case "partner":
			hasPartner = true
		case "user", "nutzer", "self":
			hasUser = true
		}
	}
	// A detected child forces shared relevance regardless of what the
	// LLM reported; both parents are always relevant to a child's
	// appointment.
	if hasChild {
		return "shared"
	}
	if llmRelevance != "" {
		return llmRelevance
	}
	switch {
	case hasPartner && !hasUser:
		return "partner_only"
	case hasUser && !hasPartner:
		return "for_me"
	default:
		return "shared"
	}
}

func clampConfidence(c float64) float64 {
	if c == 0 {
		return 0.5
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
