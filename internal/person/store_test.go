package person

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfileFile(t *testing.T, dir, key, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, key+".yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestStore_LoadAndDetect(t *testing.T) {
	dir := t.TempDir()
	writeProfileFile(t, dir, "enno", "name: Enno\naliases: [\"Ennolein\"]\nfacts:\n  - Geht in den Hort\n")
	writeProfileFile(t, dir, "romy", "name: Romy\nfacts:\n  - \"Geburtstag 18.02.\"\n")

	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	matched := s.Detect("Wann kommt Enno morgen?", nil)
	if len(matched) != 1 || matched[0].Key != "enno" {
		t.Fatalf("Detect by name = %+v, want [enno]", matched)
	}

	matched = s.Detect("Ist Ennolein schon da?", nil)
	if len(matched) != 1 || matched[0].Key != "enno" {
		t.Fatalf("Detect by alias = %+v, want [enno]", matched)
	}

	matched = s.Detect("nichts hier", []string{"gestern war Romy krank"})
	if len(matched) != 1 || matched[0].Key != "romy" {
		t.Fatalf("Detect via context messages = %+v, want [romy]", matched)
	}
}

func TestStore_AppendUncertain_CapsAndDedups(t *testing.T) {
	dir := t.TempDir()
	writeProfileFile(t, dir, "romy", "name: Romy\n")

	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	for i := 0; i < 25; i++ {
		if err := s.AppendUncertain("romy", "obs-"+string(rune('a'+i%26))); err != nil {
			t.Fatalf("AppendUncertain: %v", err)
		}
	}
	p := s.Get("romy")
	if len(p.Uncertain) != maxUncertain {
		t.Fatalf("Uncertain length = %d, want %d", len(p.Uncertain), maxUncertain)
	}

	if err := s.AppendUncertain("romy", "obs-a"); err != nil {
		t.Fatalf("AppendUncertain duplicate: %v", err)
	}
	reloaded := s.Get("romy")
	if len(reloaded.Uncertain) != maxUncertain {
		t.Fatalf("re-appending an existing observation changed length: %d", len(reloaded.Uncertain))
	}
}

func TestStore_AppendUncertain_SkipsIfAlreadyFact(t *testing.T) {
	dir := t.TempDir()
	writeProfileFile(t, dir, "enno", "name: Enno\nfacts:\n  - \"Training dienstags 17 Uhr\"\n")

	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.AppendUncertain("enno", "Training dienstags 17 Uhr"); err != nil {
		t.Fatalf("AppendUncertain: %v", err)
	}
	p := s.Get("enno")
	if len(p.Uncertain) != 0 {
		t.Errorf("fact promoted into Uncertain unexpectedly: %+v", p.Uncertain)
	}
}

func TestStore_AppendFact_PromotesOutOfUncertain(t *testing.T) {
	dir := t.TempDir()
	writeProfileFile(t, dir, "enno", "name: Enno\n")

	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.AppendUncertain("enno", "evtl. neues Hobby"); err != nil {
		t.Fatalf("AppendUncertain: %v", err)
	}
	if err := s.AppendFact("enno", "evtl. neues Hobby"); err != nil {
		t.Fatalf("AppendFact: %v", err)
	}

	p := s.Get("enno")
	if !hasString(p.Facts, "evtl. neues Hobby") {
		t.Errorf("expected promoted string in Facts, got %+v", p.Facts)
	}
	if hasString(p.Uncertain, "evtl. neues Hobby") {
		t.Errorf("expected promoted string removed from Uncertain, got %+v", p.Uncertain)
	}
}

func TestStore_ApplyFeedback_RejectsUnknownPerson(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.ApplyFeedback("ghost", "rejected", "war gar nicht Romy", "falsche Person"); err == nil {
		t.Fatalf("expected error for unknown person, got nil")
	}
}

func TestStore_ApplyFeedback_AppendsUncertainAndHint(t *testing.T) {
	dir := t.TempDir()
	writeProfileFile(t, dir, "romy", "name: Romy\n")
	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	diff, err := s.ApplyFeedback("romy", "edited", "Training ist um 18 Uhr, nicht 17", "Zeit korrigiert")
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if len(diff.AddedUncertain) != 1 || len(diff.AddedHints) != 1 {
		t.Fatalf("expected one uncertain and one hint added, got %+v", diff)
	}

	p := s.Get("romy")
	if len(p.Uncertain) != 1 || p.Uncertain[0] != "Training ist um 18 Uhr, nicht 17" {
		t.Errorf("expected correction in Uncertain, got %+v", p.Uncertain)
	}
	if len(p.TerminHints) != 1 {
		t.Errorf("expected one hint, got %+v", p.TerminHints)
	}
}

func TestStore_ApplyReflection_SkipsUnknownPersonAndAppendsKnown(t *testing.T) {
	dir := t.TempDir()
	writeProfileFile(t, dir, "romy", "name: Romy\nfacts:\n  - \"Geht ins Schwimmtraining\"\n")
	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	updates := map[string]ReflectionUpdate{
		"romy": {
			NewFacts:        []string{"Mag Himbeereis"},
			ConfidenceNotes: []string{"Könnte dienstags Geigenunterricht haben"},
			NewTerminHints:  []string{"meist dienstags Training"},
		},
		"ghost": {NewFacts: []string{"sollte nie erscheinen"}},
	}

	diffs, err := s.ApplyReflection(updates)
	if err != nil {
		t.Fatalf("ApplyReflection: %v", err)
	}
	if _, ok := diffs["ghost"]; ok {
		t.Errorf("expected unknown person to be skipped entirely")
	}
	romyDiff, ok := diffs["romy"]
	if !ok || len(romyDiff.AddedFacts) != 1 {
		t.Fatalf("expected romy's facts to be appended, got %+v", diffs)
	}

	p := s.Get("romy")
	if len(p.Facts) != 2 {
		t.Errorf("expected existing fact preserved plus new one, got %+v", p.Facts)
	}
	if len(p.Uncertain) != 1 {
		t.Errorf("expected confidence note in Uncertain, got %+v", p.Uncertain)
	}
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	writeProfileFile(t, dir, "enno", "name: Enno\n")

	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.AppendHint("enno", "meist samstags Wettkampf"); err != nil {
		t.Fatalf("AppendHint: %v", err)
	}

	if _, err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	p := s.Get("enno")
	if len(p.TerminHints) != 1 || p.TerminHints[0] != "meist samstags Wettkampf" {
		t.Fatalf("hint did not survive reload: %+v", p.TerminHints)
	}
}
