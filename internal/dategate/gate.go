// Package dategate implements the pre-filter that decides whether a
// message plausibly contains appointment-relevant time information,
// saving an LLM call when it obviously does not (spec §4.1). Grounded
// on the original system's _might_contain_date() regex family in
// termin_extractor.py, extended with the cross-message question-cue
// signal described by spec scenario 1.
package dategate

import (
	"regexp"
	"strings"
)

// patterns mirrors _might_contain_date()'s disjunction: explicit
// dates, times, weekdays, German relative-date phrases, durations, and
// event-noun cues.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{1,2}[.\s]\d{1,2}[.\s]?(\d{2,4})?\b`),  // 18.02. / 18.02.2026
	regexp.MustCompile(`\b\d{1,2}:\d{2}\b`),                        // 13:45
	regexp.MustCompile(`\b\d{1,2}\s?(uhr|Uhr)\b`),                  // 13 Uhr
	regexp.MustCompile(`(?i)\b(montag|dienstag|mittwoch|donnerstag|freitag|samstag|sonntag)\b`),
	regexp.MustCompile(`(?i)\b(heute|morgen|übermorgen|nächste[rn]?\s+woche|kommend\w*)\b`),
	regexp.MustCompile(`(?i)(termin|training|schule|hort|geburtstag|feier|abholung|ankunft|wettkampf|turnier|arzttermin|zahnarzt)`), // also inside compounds (Zahnarzttermin)
}

var bareTime = regexp.MustCompile(`^\s*\d{1,2}[:.]?\d{0,2}\s*(uhr)?\s*$`)
var bareDate = regexp.MustCompile(`^\s*\d{1,2}[.\s]\d{1,2}[.\s]?(\d{2,4})?\s*$`)

var questionCue = regexp.MustCompile(`(?i)\b(wann|welche uhrzeit|wann genau)\b.*\?\s*$`)

// Pass reports whether text — in the context of the preceding window
// messages (oldest first, current message excluded) — should proceed
// to full LLM extraction.
//
// Deliberately generous: any regex hit passes the gate. The exception
// is a message that is nothing but a bare time or bare date: it passes
// only if the preceding window ends with a question asking "when" (the
// cross-message Q/A signal from spec scenario 1).
func Pass(text string, window []string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	if bareTime.MatchString(trimmed) || bareDate.MatchString(trimmed) {
		return len(window) > 0 && questionCue.MatchString(strings.TrimSpace(window[len(window)-1]))
	}

	for _, p := range patterns {
		if p.MatchString(trimmed) {
			return true
		}
	}

	return false
}
