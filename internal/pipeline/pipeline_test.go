package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/radarcore/termind/internal/appointment"
	"github.com/radarcore/termind/internal/cascade"
	"github.com/radarcore/termind/internal/llm"
	"github.com/radarcore/termind/internal/memoryclient"
	"github.com/radarcore/termind/internal/person"
	"github.com/radarcore/termind/internal/promptctx"
	"github.com/radarcore/termind/internal/store"
	"github.com/radarcore/termind/internal/validator"
)

type fakeLLM struct {
	response string
}

func (f *fakeLLM) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Message: llm.Message{Content: f.response}}, nil
}
func (f *fakeLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, tools)
}
func (f *fakeLLM) Ping(ctx context.Context) error { return nil }

type fakeCalendar struct{ writes int }

func (f *fakeCalendar) Write(ctx context.Context, a store.Appointment, names []string) (string, error) {
	f.writes++
	return "cal-uid-1", nil
}
func (f *fakeCalendar) Update(ctx context.Context, a store.Appointment, names []string) error {
	return nil
}

type fakeLearner struct{ calls int }

func (f *fakeLearner) LearnFromExtraction(title string, when time.Time) { f.calls++ }

func newTestPipeline(t *testing.T, llmResponse string) (*Pipeline, *store.Store, *fakeCalendar, *fakeLearner) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "termind.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	persons, err := person.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new person store: %v", err)
	}

	mem := memoryclient.New(memoryclient.Config{}, nil)

	assembler := promptctx.New(promptctx.Stores{Messages: db, Persons: persons, Memory: mem}, promptctx.Config{
		UserName: "Jana", Zone: time.UTC,
	})

	cas := cascade.New([]cascade.Provider{{Name: "fake", Model: "fake-model", Client: &fakeLLM{response: llmResponse}, Timeout: time.Second}}, nil)

	appts := appointment.New(db, appointment.Config{ConfidenceAutoThreshold: 0.85, DuplicateThreshold: 0.7, DuplicateSuppressThreshold: 0.9}, nil)

	cal := &fakeCalendar{}
	learner := &fakeLearner{}

	p := New(db, assembler, cas, validator.New(), appts, persons, cal, mem, learner, Config{ConversationWindowSize: 10}, nil)
	return p, db, cal, learner
}

func TestHandle_DateGateRejectsIrrelevantMessage(t *testing.T) {
	p, db, cal, learner := newTestPipeline(t, `{"actions":[]}`)

	p.Handle(context.Background(), store.Message{ID: "m1", ChatID: "chat1", Sender: "Jana", Text: "hallo wie gehts", Timestamp: time.Now()})

	appts, err := db.ExistingAppointments("chat1", time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("query appointments: %v", err)
	}
	if len(appts) != 0 {
		t.Fatalf("expected no appointment created, got %d", len(appts))
	}
	if cal.writes != 0 || learner.calls != 0 {
		t.Fatalf("expected no downstream side effects, got writes=%d learner=%d", cal.writes, learner.calls)
	}
}

func TestHandle_CreatesAppointmentAndFansOut(t *testing.T) {
	future := time.Now().Add(48 * time.Hour).UTC().Format("2006-01-02T15:04:05")
	resp := `{"actions":[{"action":"create","title":"Schwimmtraining Romy","datetime":"` + future + `","confidence":0.9}]}`
	p, db, cal, learner := newTestPipeline(t, resp)

	p.Handle(context.Background(), store.Message{ID: "m1", ChatID: "chat1", Sender: "Jana", Text: "Romy hat morgen 17 Uhr Schwimmtraining", Timestamp: time.Now()})

	appts, err := db.ExistingAppointments("chat1", time.Now().Add(-24*time.Hour), time.Now().Add(72*time.Hour), 10)
	if err != nil {
		t.Fatalf("query appointments: %v", err)
	}
	if len(appts) != 1 {
		t.Fatalf("expected one appointment created, got %d", len(appts))
	}
	if appts[0].Title != "Schwimmtraining Romy" {
		t.Errorf("unexpected title: %q", appts[0].Title)
	}
	if cal.writes != 1 {
		t.Errorf("expected one calendar write, got %d", cal.writes)
	}
	if learner.calls != 1 {
		t.Errorf("expected learner notified once, got %d", learner.calls)
	}
}
