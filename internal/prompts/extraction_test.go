package prompts

import (
	"strings"
	"testing"

	"github.com/radarcore/termind/internal/memoryclient"
	"github.com/radarcore/termind/internal/promptctx"
)

func TestExtractionUserPrompt_OrdersSectionsAndAvoidsHardcodedNames(t *testing.T) {
	ctx := promptctx.PromptContext{
		UserName:       "Jana",
		PartnerName:    "Tom",
		ChildrenNames:  []string{"Romy", "Oskar"},
		Today:          "2026-08-15",
		Zone:           "Europe/Berlin",
		CalendarLookup: map[string]string{"heute": "2026-08-15", "morgen": "2026-08-16"},
		Memory:         memoryclient.MemoryContext{},
	}

	got := ExtractionUserPrompt(ctx, "Romy hat morgen Schwimmtraining um 16 Uhr")

	familyIdx := strings.Index(got, "Familie:")
	lookupIdx := strings.Index(got, "Kalender-Nachschlagetabelle")
	messageIdx := strings.Index(got, "Zu analysierende Nachricht")

	if lookupIdx == -1 || familyIdx == -1 || messageIdx == -1 {
		t.Fatalf("expected all sections present, got: %s", got)
	}
	if !(lookupIdx < familyIdx && familyIdx < messageIdx) {
		t.Errorf("expected calendar lookup before family before message, got order: lookup=%d family=%d message=%d", lookupIdx, familyIdx, messageIdx)
	}
	if !strings.Contains(got, "Jana") || !strings.Contains(got, "Romy") {
		t.Errorf("expected family names threaded through from ctx, not hard-coded")
	}
}

func TestExtractionUserPrompt_SkipsEmptyMemoryBlock(t *testing.T) {
	ctx := promptctx.PromptContext{Memory: memoryclient.MemoryContext{}, CalendarLookup: map[string]string{}}
	got := ExtractionUserPrompt(ctx, "Testnachricht")
	if strings.Contains(got, "kontext_gedaechtnis") {
		t.Errorf("expected memory block omitted when empty")
	}
}

func TestExtractionSystemPrompt_DeclaresJSONSchema(t *testing.T) {
	got := ExtractionSystemPrompt()
	if !strings.Contains(got, `"action"`) || !strings.Contains(got, "actions") {
		t.Errorf("expected system prompt to declare the actions schema")
	}
}
