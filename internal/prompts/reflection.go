package prompts

import (
	"fmt"
	"strings"

	"github.com/radarcore/termind/internal/store"
)

// reflectionSystemTemplate centers the agent on humility: anything not
// explicitly confirmed by a person belongs in confidence_notes /
// uncertain, never promoted straight to a fact.
const reflectionSystemTemplate = `Du bist der Reflexionsagent eines Familienkoordinations-Systems. Alle 30 Minuten liest du den jüngsten Gesprächsverlauf, die bekannten Personenprofile und die letzten Termine/Rückmeldungen, um die Personenprofile behutsam zu aktualisieren.

Deine wichtigste Eigenschaft ist Zurückhaltung: du erfindest niemals neue Personen, überschreibst niemals bestehende Fakten, und entfernst niemals bestehende unsichere Beobachtungen. Wenn du unsicher bist, ob etwas ein bestätigter Fakt oder nur eine Beobachtung ist, behandle es als Beobachtung (confidence_notes), nicht als Fakt.

Antworte AUSSCHLIESSLICH mit einem JSON-Objekt in genau dieser Form:

{"updates": {
  "<personen-schlüssel>": {
    "new_facts": ["<nur explizit bestätigte Aussagen>"],
    "new_activities": {"<aktivitätsname>": {"type": "...", "pattern": "...", "termin_logic": ["..."]}},
    "new_termin_hints": ["..."],
    "confidence_notes": ["<unsichere Beobachtungen>"]
  }
}, "meta": {"gaps_identified": ["<was im Kontext fehlt oder unklar blieb>"]}}

Lasse ein Personenfeld komplett weg, wenn es nichts Neues zu berichten gibt.`

// ReflectionSystemPrompt returns the fixed reflection system preamble.
func ReflectionSystemPrompt() string {
	return reflectionSystemTemplate
}

// ReflectionUserPrompt assembles the per-cycle context: the last 24h
// of messages, all rendered person profiles, recent appointments, and
// recent feedback (spec §4.10 steps 1-3).
func ReflectionUserPrompt(messages []store.Message, renderedPersons []string, appointments []store.Appointment, feedback []store.Feedback) string {
	var b strings.Builder

	b.WriteString("## Nachrichten der letzten 24 Stunden\n\n")
	if len(messages) == 0 {
		b.WriteString("(keine)\n")
	}
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), m.Sender, m.Text)
	}
	b.WriteString("\n## Aktuelle Personenprofile\n\n")
	if len(renderedPersons) == 0 {
		b.WriteString("(keine Profile vorhanden)\n")
	}
	for _, p := range renderedPersons {
		b.WriteString(p)
		b.WriteString("\n")
	}

	b.WriteString("\n## Termine der letzten 24 Stunden\n\n")
	if len(appointments) == 0 {
		b.WriteString("(keine)\n")
	}
	for _, a := range appointments {
		when := a.Date
		if a.DateTime != nil {
			when = a.DateTime.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "- %s um %s (status=%s, confidence=%.2f)\n", a.Title, when, a.Status, a.Confidence)
	}

	b.WriteString("\n## Rückmeldungen der letzten 7 Tage\n\n")
	if len(feedback) == 0 {
		b.WriteString("(keine)\n")
	}
	for _, f := range feedback {
		fmt.Fprintf(&b, "- Aktion=%s Grund=%s\n", f.Action, orDash(f.Reason))
	}

	return b.String()
}
