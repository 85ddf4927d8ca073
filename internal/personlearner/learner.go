// Package personlearner is the deterministic, non-LLM companion to the
// reflection agent. It updates person profiles after every successful
// extraction and every feedback event using plain pattern matching —
// no model call, no cost, always on. Grounded on the original system's
// person_learner.py: same normalization keywords, same 3-occurrence
// threshold for promoting an observation to a confirmed hint, same
// append-only/dedup-before-append discipline.
package personlearner

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/radarcore/termind/internal/person"
)

// PersonStore is the subset of person.Store the learner needs. Matched
// against *person.Store at wiring time; kept as an interface so tests
// can substitute a fake.
type PersonStore interface {
	Detect(text string, contextMessages []string) []*person.Person
	AppendHint(key, hint string) error
	SetActivity(key, name string, activity person.Activity) error
	RecordLearned(key, bucket, observation string) ([]string, error)
}

// ActivityLike is an alias kept for call-site readability.
type ActivityLike = person.Activity

// PersonLike is an alias kept for call-site readability.
type PersonLike = *person.Person

// activityKeywords normalizes raw title text to a canonical activity
// name, mirroring _normalize_activity()'s keyword table.
var activityKeywords = map[string]string{
	"training":    "Training",
	"schwimmen":   "Schwimmen",
	"wettkampf":   "Wettkampf",
	"turnier":     "Turnier",
	"hort":        "Hort",
	"schule":      "Schule",
	"kita":        "Kita",
	"arzttermin":  "Arzttermin",
	"zahnarzt":    "Zahnarzt",
	"geburtstag":  "Geburtstag",
	"musikschule": "Musikschule",
}

// Learner applies deterministic updates to PersonStore.
type Learner struct {
	store  PersonStore
	logger *slog.Logger
}

// New creates a Learner.
func New(store PersonStore, logger *slog.Logger) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{store: store, logger: logger.With("component", "person_learner")}
}

// normalizeActivity returns the canonical activity name found in title,
// or "" if nothing matched.
func normalizeActivity(title string) string {
	lower := strings.ToLower(title)
	for kw, name := range activityKeywords {
		if strings.Contains(lower, kw) {
			return name
		}
	}
	return ""
}

// detectPersonInTitle returns the first detected person for title plus
// surrounding text, or nil.
func (l *Learner) detectPersonInTitle(title string) PersonLike {
	matches := l.store.Detect(title, nil)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// LearnFromExtraction is called fire-and-forget after every successful
// appointment extraction. Never raises — all failures are logged at
// debug level and swallowed, matching the original's broad try/except.
func (l *Learner) LearnFromExtraction(title string, when time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Debug("learn from extraction panicked", "recover", r)
		}
	}()

	p := l.detectPersonInTitle(title)
	if p == nil {
		return
	}
	activity := normalizeActivity(title)
	if activity == "" {
		return
	}

	weekday := when.Weekday().String()
	clock := when.Format("15:04")
	bucket := fmt.Sprintf("%s:%s", activity, weekday)

	observations, err := l.store.RecordLearned(p.Key, bucket, clock)
	if err != nil {
		l.logger.Debug("record learned observation failed", "error", err)
		return
	}

	if len(observations) < 3 {
		return
	}
	if !allWithin(observations, 30*time.Minute) {
		return
	}

	hint := fmt.Sprintf("%s meist %s gegen %s Uhr", activity, weekday, observations[len(observations)-1])
	if err := l.store.AppendHint(p.Key, hint); err != nil {
		l.logger.Debug("append recurring hint failed", "error", err)
		return
	}
	if err := l.store.SetActivity(p.Key, activity, ActivityLike{
		Type:    activity,
		Pattern: fmt.Sprintf("%s %s", weekday, observations[len(observations)-1]),
	}); err != nil {
		l.logger.Debug("set activity failed", "error", err)
	}
}

// allWithin reports whether every HH:MM observation in times falls
// within window of the first one, a cheap stand-in for the original's
// Counter-based majority-time detection.
func allWithin(times []string, window time.Duration) bool {
	if len(times) == 0 {
		return false
	}
	base, err := time.Parse("15:04", times[0])
	if err != nil {
		return false
	}
	for _, t := range times[1:] {
		ts, err := time.Parse("15:04", t)
		if err != nil {
			return false
		}
		delta := ts.Sub(base)
		if delta < 0 {
			delta = -delta
		}
		if delta > window {
			return false
		}
	}
	return true
}

// LearnFromFeedback records a human-readable hint derived from a
// rejected or edited appointment, matching learn_from_feedback()'s
// append-only discipline.
func (l *Learner) LearnFromFeedback(title, action, reason string) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Debug("learn from feedback panicked", "recover", r)
		}
	}()

	p := l.detectPersonInTitle(title)
	if p == nil {
		return
	}

	hint := fmt.Sprintf("[Feedback] %s", action)
	if reason != "" {
		hint = fmt.Sprintf("%s: %s", hint, reason)
	}

	if err := l.store.AppendHint(p.Key, hint); err != nil {
		l.logger.Debug("append feedback hint failed", "error", err)
	}
}
