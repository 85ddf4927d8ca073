// Package promptctx assembles the multi-source PromptContext that
// LLMCascade consumes (spec §4.2). It fans the sub-fetches out
// concurrently, grounded on the teacher's pattern of bounded-timeout
// goroutines joined on a WaitGroup rather than an errgroup dependency
// (not present in the example pack).
package promptctx

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/radarcore/termind/internal/memoryclient"
	"github.com/radarcore/termind/internal/person"
	"github.com/radarcore/termind/internal/store"
)

// PromptContext is the fully assembled view handed to LLMCascade.
type PromptContext struct {
	UserName      string
	PartnerName   string
	ChildrenNames []string
	Today         string // ISO date in the configured zone
	Zone          string

	CalendarLookup map[string]string // phrase -> ISO date

	RecentMessages       []store.Message
	ExistingAppointments []store.Appointment
	Memory               memoryclient.MemoryContext
	FeedbackExamples     []store.Feedback
	Persons              []*person.Person
}

// RenderedPersons returns each detected person's Markdown fragment,
// already truncated per person.Render's own rules.
func (c PromptContext) RenderedPersons() []string {
	out := make([]string, 0, len(c.Persons))
	for _, p := range c.Persons {
		out = append(out, p.Render())
	}
	return out
}

// Stores bundles the read dependencies the Assembler fans out to.
type Stores struct {
	Messages     *store.Store
	Persons      *person.Store
	Memory       *memoryclient.Client
	RecentWindow int // how many prior messages to load, default 10
	ExistingDays struct {
		Before int // default 7
		After  int // default 53
	}
	MaxExisting    int // default 30
	FeedbackLimit  int // default 5
}

// Assembler builds PromptContext for a single message.
type Assembler struct {
	stores Stores

	userName      string
	partnerName   string
	childrenNames []string
	zone          *time.Location
}

// Config carries the family-identity fields that must never be
// hard-coded into prompt templates (spec §9's "no hard-coded family
// details" rule) — they flow through here instead.
type Config struct {
	UserName      string
	PartnerName   string
	ChildrenNames []string
	Zone          *time.Location
}

// New builds an Assembler.
func New(stores Stores, cfg Config) *Assembler {
	if stores.RecentWindow == 0 {
		stores.RecentWindow = 10
	}
	if stores.ExistingDays.Before == 0 {
		stores.ExistingDays.Before = 7
	}
	if stores.ExistingDays.After == 0 {
		stores.ExistingDays.After = 53
	}
	if stores.MaxExisting == 0 {
		stores.MaxExisting = 30
	}
	if stores.FeedbackLimit == 0 {
		stores.FeedbackLimit = 5
	}
	zone := cfg.Zone
	if zone == nil {
		zone = time.UTC
	}
	return &Assembler{
		stores:        stores,
		userName:      cfg.UserName,
		partnerName:   cfg.PartnerName,
		childrenNames: cfg.ChildrenNames,
		zone:          zone,
	}
}

// Assemble runs the ordered steps of spec §4.2, issuing steps 1-5 as
// concurrent fetches with individual timeouts.
func (a *Assembler) Assemble(ctx context.Context, chatID, currentText string, currentTimestamp time.Time) PromptContext {
	now := currentTimestamp.In(a.zone)

	var (
		wg                   sync.WaitGroup
		recentMessages       []store.Message
		existingAppointments []store.Appointment
		persons              []*person.Person
		memCtx               memoryclient.MemoryContext
		feedback             []store.Feedback
	)

	wg.Add(5)

	go func() {
		defer wg.Done()
		dbCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		msgs, err := withDeadline(dbCtx, func() ([]store.Message, error) {
			return a.stores.Messages.RecentMessages(chatID, currentTimestamp, a.stores.RecentWindow)
		})
		if err == nil {
			recentMessages = msgs
		}
	}()

	go func() {
		defer wg.Done()
		dbCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		from := now.AddDate(0, 0, -a.stores.ExistingDays.Before)
		to := now.AddDate(0, 0, a.stores.ExistingDays.After)
		apps, err := withDeadline(dbCtx, func() ([]store.Appointment, error) {
			return a.stores.Messages.ExistingAppointments(chatID, from, to, a.stores.MaxExisting)
		})
		if err == nil {
			existingAppointments = apps
		}
	}()

	go func() {
		defer wg.Done()
		if a.stores.Persons == nil {
			return
		}
		window := make([]string, 0, len(recentMessages))
		// Detect reads contextMessages independently of the messages
		// goroutine above; a short local fetch keeps the two decoupled.
		msgs, err := a.stores.Messages.RecentMessages(chatID, currentTimestamp, a.stores.RecentWindow)
		if err == nil {
			for _, m := range msgs {
				window = append(window, m.Text)
			}
		}
		persons = a.stores.Persons.Detect(currentText, window)
	}()

	go func() {
		defer wg.Done()
		if a.stores.Memory == nil {
			return
		}
		memCtx = a.stores.Memory.Recall(ctx, "Termine / Familienkontext: "+currentText, chatID, 10)
	}()

	go func() {
		defer wg.Done()
		dbCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		records, err := withDeadline(dbCtx, func() ([]store.Feedback, error) {
			return a.stores.Messages.RecentFeedback(chatID, []string{"rejected", "edited"}, a.stores.FeedbackLimit)
		})
		if err == nil {
			feedback = records
		}
	}()

	wg.Wait()

	return PromptContext{
		UserName:             a.userName,
		PartnerName:          a.partnerName,
		ChildrenNames:        a.childrenNames,
		Today:                now.Format("2006-01-02"),
		Zone:                 a.zone.String(),
		CalendarLookup:       buildCalendarLookup(now),
		RecentMessages:       recentMessages,
		ExistingAppointments: existingAppointments,
		Memory:               memCtx,
		FeedbackExamples:     feedback,
		Persons:              persons,
	}
}

// withDeadline runs fn and returns its result, or a zero value plus
// ctx.Err() if the deadline lapses first. fn itself is not
// cancellation-aware (database/sql calls here are fast local reads);
// this only bounds how long Assemble waits for it.
func withDeadline[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

var weekdayNames = []string{"montag", "dienstag", "mittwoch", "donnerstag", "freitag", "samstag", "sonntag"}

// buildCalendarLookup materializes the relative-phrase -> ISO-date
// table spec §4.2 step 6 requires, covering today through today+20d
// (the furthest "übernächste" weekday).
func buildCalendarLookup(now time.Time) map[string]string {
	lookup := make(map[string]string, 32)
	iso := func(d time.Time) string { return d.Format("2006-01-02") }

	lookup["heute"] = iso(now)
	lookup["morgen"] = iso(now.AddDate(0, 0, 1))
	lookup["übermorgen"] = iso(now.AddDate(0, 0, 2))

	// Weekday name -> the next occurrence of that weekday (today counts
	// if it matches), plus a "kommende" variant for the same day and
	// "nächste"/"übernächste" variants one and two weeks further out.
	for offset := 0; offset < 14; offset++ {
		day := now.AddDate(0, 0, offset)
		name := weekdayNames[int(day.Weekday()+6)%7] // Monday=0
		if offset < 7 {
			if _, exists := lookup[name]; !exists {
				lookup[name] = iso(day)
			}
			lookup["kommende"+weekdaySuffix(name)+" "+name] = iso(day)
		}
	}
	for offset := 0; offset < 7; offset++ {
		day := now.AddDate(0, 0, offset)
		name := weekdayNames[int(day.Weekday()+6)%7]
		lookup["nächste"+weekdaySuffix(name)+" "+name] = iso(day.AddDate(0, 0, 7))
		lookup["übernächste"+weekdaySuffix(name)+" "+name] = iso(day.AddDate(0, 0, 14))
	}
	return lookup
}

func weekdaySuffix(name string) string {
	switch name {
	case "montag", "dienstag", "mittwoch", "donnerstag", "freitag":
		return "r" // "nächster Montag" colloquially; kept simple and consistent
	default:
		return "n" // "nächsten Samstag/Sonntag"
	}
}

var relativeDateHint = regexp.MustCompile(`(?i)\b(heute|morgen|übermorgen|nächste[rn]?\s+\w+|übernächste[rn]?\s+\w+|kommende[rn]?\s+\w+)\b`)

// Describe renders a short human-readable summary of the assembled
// context, useful for debug logging without dumping the full prompt.
func (c PromptContext) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "messages=%d appointments=%d persons=%d feedback=%d memory_empty=%v",
		len(c.RecentMessages), len(c.ExistingAppointments), len(c.Persons), len(c.FeedbackExamples), c.Memory.Empty())
	return b.String()
}

// sortedLookupKeys is a small helper for deterministic prompt
// rendering (map iteration order is otherwise random).
func sortedLookupKeys(lookup map[string]string) []string {
	keys := make([]string, 0, len(lookup))
	for k := range lookup {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
