package prompts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/radarcore/termind/internal/promptctx"
)

// extractionSystemTemplate states the extractor's role, the strict
// JSON output schema, and the six reasoning dimensions the model must
// weigh before emitting an action (spec §4.3).
const extractionSystemTemplate = `Du bist ein Terminerkennungssystem für die Familienkoordination. Du liest kurze Chatnachrichten zwischen Eltern (und gelegentlich Kindern) und entscheidest, ob eine Nachricht einen Termin, eine Aufgabe, einen Meilenstein oder eine Erinnerung beschreibt.

Antworte AUSSCHLIESSLICH mit einem einzigen JSON-Objekt in genau dieser Form:

{"actions": [
  {
    "action": "create" | "update" | "cancel",
    "updates_termin_id": "<id oder leer, Pflicht bei update/cancel>",
    "title": "<kurzer Titel>",
    "datetime": "<ISO 8601 lokal, oder leer bei ganztägig>",
    "end_datetime": "<ISO 8601 lokal, optional>",
    "date": "<YYYY-MM-DD, nur bei all_day>",
    "all_day": true | false,
    "participants": ["<personen-schlüssel>"],
    "category": "appointment" | "task" | "milestone" | "reminder",
    "relevance": "for_me" | "shared" | "partner_only" | "affects_me",
    "confidence": 0.0-1.0
  }
], "reasoning": "<kurze Begründung>"}

Ein leeres actions-Array bedeutet "kein Termin erkannt". Erfinde niemals Termine ohne konkreten Anhaltspunkt im Text.

Bewerte jede Nachricht entlang sechs Dimensionen, bevor du antwortest:
1. Zeit — welche konkrete oder relative Zeitangabe ist enthalten?
2. Familie — welche Personen sind betroffen oder erwähnt?
3. Handlung — wird etwas neu vereinbart, geändert oder abgesagt?
4. Kontext — was ergibt sich aus vorherigen Nachrichten oder bekannten Terminen?
5. Plausibilität — passt die Angabe zu bereits bekannten Mustern dieser Person?
6. Intention — meint die Person das ernst als Terminabsprache, oder ist es beiläufige Rede?`

// ExtractionSystemPrompt returns the fixed system preamble.
func ExtractionSystemPrompt() string {
	return extractionSystemTemplate
}

// ExtractionUserPrompt assembles the user content in the fixed order
// spec §4.3 mandates: (a) date/zone, (b) calendar lookup, (c) family
// names, (d) detected-person profiles, (e) memory context (omitted if
// empty), (f) existing appointments, (g) recent messages, (h) feedback
// examples, (i) the message to analyze.
func ExtractionUserPrompt(ctx promptctx.PromptContext, messageText string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Heutiges Datum: %s (Zeitzone: %s)\n\n", ctx.Today, ctx.Zone)

	b.WriteString("Kalender-Nachschlagetabelle (verwende ausschließlich diese Zuordnungen, keine eigene Datumsberechnung):\n")
	writeCalendarLookup(&b, ctx.CalendarLookup)
	b.WriteString("\n")

	fmt.Fprintf(&b, "Familie: Nutzer=%s, Partner=%s, Kinder=%s\n\n", orDash(ctx.UserName), orDash(ctx.PartnerName), strings.Join(ctx.ChildrenNames, ", "))

	rendered := ctx.RenderedPersons()
	if len(rendered) > 0 {
		b.WriteString("## Personenprofile\n\n")
		for _, r := range rendered {
			b.WriteString(r)
			b.WriteString("\n")
		}
	}

	if !ctx.Memory.Empty() {
		b.WriteString(ctx.Memory.AsPromptBlock())
		b.WriteString("\n")
	}

	if len(ctx.ExistingAppointments) > 0 {
		b.WriteString("## Bestehende Termine\n\n")
		for _, a := range ctx.ExistingAppointments {
			when := a.Date
			if a.DateTime != nil {
				when = a.DateTime.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(&b, "- [%s] %s um %s (status=%s)\n", a.ID, a.Title, when, a.Status)
		}
		b.WriteString("\n")
	}

	if len(ctx.RecentMessages) > 0 {
		b.WriteString("## Bisheriger Gesprächsverlauf\n\n")
		for _, m := range ctx.RecentMessages {
			fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), m.Sender, m.Text)
		}
		b.WriteString("\n")
	}

	if len(ctx.FeedbackExamples) > 0 {
		b.WriteString("## Frühere Korrekturen (lerne daraus)\n\n")
		for _, f := range ctx.FeedbackExamples {
			fmt.Fprintf(&b, "- Aktion=%s Grund=%s Korrektur=%s\n", f.Action, orDash(f.Reason), orDash(f.Correction))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Zu analysierende Nachricht\n\n%s\n", messageText)

	return b.String()
}

func writeCalendarLookup(b *strings.Builder, lookup map[string]string) {
	keys := make([]string, 0, len(lookup))
	for k := range lookup {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s => %s\n", k, lookup[k])
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
