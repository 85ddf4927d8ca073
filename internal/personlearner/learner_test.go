package personlearner

import (
	"testing"
	"time"

	"github.com/radarcore/termind/internal/person"
)

type fakeStore struct {
	persons  []*person.Person
	hints    map[string][]string
	learned  map[string][]string
	activity map[string]person.Activity
}

func newFakeStore(p *person.Person) *fakeStore {
	return &fakeStore{
		persons:  []*person.Person{p},
		hints:    make(map[string][]string),
		learned:  make(map[string][]string),
		activity: make(map[string]person.Activity),
	}
}

func (f *fakeStore) Detect(text string, contextMessages []string) []*person.Person {
	return f.persons
}

func (f *fakeStore) AppendHint(key, hint string) error {
	f.hints[key] = append(f.hints[key], hint)
	return nil
}

func (f *fakeStore) SetActivity(key, name string, activity person.Activity) error {
	f.activity[key] = activity
	return nil
}

func (f *fakeStore) RecordLearned(key, bucket, observation string) ([]string, error) {
	k := key + "|" + bucket
	f.learned[k] = append(f.learned[k], observation)
	out := make([]string, len(f.learned[k]))
	copy(out, f.learned[k])
	return out, nil
}

func TestLearner_LearnFromExtraction_PromotesAfterThreeConsistentObservations(t *testing.T) {
	store := newFakeStore(&person.Person{Key: "enno", Name: "Enno"})
	l := New(store, nil)

	base := time.Date(2026, 3, 3, 17, 0, 0, 0, time.UTC) // Tuesday
	l.LearnFromExtraction("Enno Training", base)
	l.LearnFromExtraction("Enno Training", base.Add(7*24*time.Hour))
	if len(store.hints["enno"]) != 0 {
		t.Fatalf("hint written after only 2 observations: %+v", store.hints["enno"])
	}

	l.LearnFromExtraction("Enno Training", base.Add(14*24*time.Hour))
	if len(store.hints["enno"]) != 1 {
		t.Fatalf("expected one recurring hint after 3 observations, got %+v", store.hints["enno"])
	}
}

func TestLearner_LearnFromExtraction_NoPersonNoOp(t *testing.T) {
	store := newFakeStore(&person.Person{Key: "enno", Name: "Enno"})
	store.persons = nil
	l := New(store, nil)
	l.LearnFromExtraction("Unbekannt Training", time.Now())
	if len(store.hints) != 0 {
		t.Errorf("expected no-op when no person detected, got %+v", store.hints)
	}
}

func TestLearner_LearnFromFeedback_AppendsHint(t *testing.T) {
	store := newFakeStore(&person.Person{Key: "romy", Name: "Romy"})
	l := New(store, nil)
	l.LearnFromFeedback("Romy Geburtstag", "rejected", "war schon vorbei")
	if len(store.hints["romy"]) != 1 {
		t.Fatalf("expected one feedback hint, got %+v", store.hints["romy"])
	}
}
