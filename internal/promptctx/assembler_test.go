package promptctx

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/radarcore/termind/internal/memoryclient"
	"github.com/radarcore/termind/internal/person"
	"github.com/radarcore/termind/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "termind.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAssemble_GathersAllSections(t *testing.T) {
	db := newTestStore(t)
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	if err := db.InsertMessage(store.Message{ChatID: "chat1", Sender: "Jana", Text: "Wann ist Schwimmtraining?", Timestamp: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if err := db.InsertAppointment(nil, store.Appointment{
		ID: store.NewID(), ChatID: "chat1", Title: "Schwimmtraining Romy",
		DateTime: ptr(now.Add(24 * time.Hour)), Status: "auto", Confidence: 0.9,
	}); err != nil {
		t.Fatalf("insert appointment: %v", err)
	}

	personDir := t.TempDir()
	writeProfile(t, personDir, "romy", "key: romy\nname: Romy\nrole: child\n")
	pstore, err := person.NewStore(personDir, nil)
	if err != nil {
		t.Fatalf("new person store: %v", err)
	}

	mem := memoryclient.New(memoryclient.Config{BaseURL: ""}, nil)

	asm := New(Stores{
		Messages: db,
		Persons:  pstore,
		Memory:   mem,
	}, Config{UserName: "Jana", PartnerName: "Tom", ChildrenNames: []string{"Romy", "Oskar"}, Zone: time.UTC})

	ctx := asm.Assemble(context.Background(), "chat1", "Romy hat morgen Schwimmtraining", now)

	if len(ctx.RecentMessages) != 1 {
		t.Errorf("expected 1 recent message, got %d", len(ctx.RecentMessages))
	}
	if len(ctx.ExistingAppointments) != 1 {
		t.Errorf("expected 1 existing appointment, got %d", len(ctx.ExistingAppointments))
	}
	if len(ctx.Persons) != 1 || ctx.Persons[0].Name != "Romy" {
		t.Errorf("expected Romy detected, got %v", ctx.Persons)
	}
	if !ctx.Memory.Empty() {
		t.Errorf("expected empty memory context with no BaseURL")
	}
	if ctx.CalendarLookup["heute"] != "2026-08-15" {
		t.Errorf("expected heute=2026-08-15, got %q", ctx.CalendarLookup["heute"])
	}
	if ctx.CalendarLookup["morgen"] != "2026-08-16" {
		t.Errorf("expected morgen=2026-08-16, got %q", ctx.CalendarLookup["morgen"])
	}
}

func TestBuildCalendarLookup_CoversBasicPhrases(t *testing.T) {
	now := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC) // Monday
	lookup := buildCalendarLookup(now)

	if lookup["heute"] != "2026-08-10" {
		t.Errorf("heute mismatch: %q", lookup["heute"])
	}
	if lookup["übermorgen"] != "2026-08-12" {
		t.Errorf("übermorgen mismatch: %q", lookup["übermorgen"])
	}
	if _, ok := lookup["montag"]; !ok {
		t.Errorf("expected montag key present")
	}
}

func writeProfile(t *testing.T, dir, key, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, key+".yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
}

func ptr(t time.Time) *time.Time { return &t }
