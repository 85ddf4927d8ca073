package reflection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/radarcore/termind/internal/llm"
	"github.com/radarcore/termind/internal/person"
	"github.com/radarcore/termind/internal/store"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Message: llm.Message{Content: f.reply}}, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, tools)
}

func (f *fakeLLM) Ping(ctx context.Context) error { return nil }

func newTestAgent(t *testing.T, reply string) (*Agent, *store.Store, *person.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "termind.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	profileDir := t.TempDir()
	persons, err := person.NewStore(profileDir, nil)
	if err != nil {
		t.Fatalf("new person store: %v", err)
	}
	if err := persons.AppendFact("jana", "seed fact so the profile exists"); err != nil {
		t.Fatalf("seed person: %v", err)
	}

	client := &fakeLLM{reply: reply}
	a := New(db, persons, client, "reflection-model", profileDir, Config{IntervalMin: 30, LockTTLMin: 30}, nil)
	return a, db, persons
}

func TestRunOnce_SkipsWhenNothingChanged(t *testing.T) {
	a, _, _ := newTestAgent(t, `{"updates":{}}`)
	client := a.client.(*fakeLLM)

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if client.calls != 0 {
		t.Errorf("expected no llm call when there is nothing new, got %d calls", client.calls)
	}
}

func TestRunOnce_AppliesUpdatesForKnownPerson(t *testing.T) {
	reply := `{"updates":{"jana":{"new_facts":["arbeitet dienstags von zuhause"],"confidence_notes":["evtl. neues Hobby"]}},"meta":{"gaps_identified":["unklar ob Kind XY schwimmen kann"]}}`
	a, db, persons := newTestAgent(t, reply)

	if err := db.InsertMessage(store.Message{ChatID: "chat1", Sender: "Jana", Text: "ich arbeite dienstags von zuhause", Timestamp: time.Now()}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	p := persons.Get("jana")
	if p == nil {
		t.Fatal("expected jana profile to still exist")
	}
	foundFact := false
	for _, f := range p.Facts {
		if f == "arbeitet dienstags von zuhause" {
			foundFact = true
		}
	}
	if !foundFact {
		t.Errorf("expected new fact to be appended, got facts=%v", p.Facts)
	}
	foundNote := false
	for _, u := range p.Uncertain {
		if u == "evtl. neues Hobby" {
			foundNote = true
		}
	}
	if !foundNote {
		t.Errorf("expected confidence note to be appended as uncertain, got uncertain=%v", p.Uncertain)
	}
}

func TestRunOnce_SkipsUnknownPersonWithoutError(t *testing.T) {
	reply := `{"updates":{"ghost":{"new_facts":["sollte nie erscheinen"]}}}`
	a, db, persons := newTestAgent(t, reply)

	if err := db.InsertMessage(store.Message{ChatID: "chat1", Sender: "Jana", Text: "irgendein Satz", Timestamp: time.Now()}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if persons.Get("ghost") != nil {
		t.Error("reflection must never create a new person profile")
	}
}

func TestRunOnce_SecondConcurrentRunIsSkippedByLock(t *testing.T) {
	a, db, _ := newTestAgent(t, `{"updates":{}}`)
	if err := db.InsertMessage(store.Message{ChatID: "chat1", Sender: "Jana", Text: "x", Timestamp: time.Now()}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	acquired, err := a.lock.tryAcquire()
	if err != nil || !acquired {
		t.Fatalf("expected to acquire lock directly, got acquired=%v err=%v", acquired, err)
	}
	defer a.lock.release()

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce should not error when lock is held, got %v", err)
	}
	client := a.client.(*fakeLLM)
	if client.calls != 0 {
		t.Errorf("expected RunOnce to skip the cycle while lock is held, got %d calls", client.calls)
	}
}

func TestParseReflection_BalancedObjectStopsAtFirstCompleteObject(t *testing.T) {
	raw := `{"updates":{"jana":{"new_facts":["a"]}}} Additional notes: {"ignore":"me"}`
	resp, ok := parseReflection(raw)
	if !ok {
		t.Fatalf("expected successful parse, got ok=%v", ok)
	}
	if _, present := resp.Updates["jana"]; !present {
		t.Errorf("expected jana update to be parsed, got %+v", resp.Updates)
	}
}

func TestFileLock_ReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	l := newFileLock(filepath.Join(dir, "lock"), 10*time.Millisecond)

	acquired, err := l.tryAcquire()
	if err != nil || !acquired {
		t.Fatalf("first acquire failed: acquired=%v err=%v", acquired, err)
	}

	time.Sleep(20 * time.Millisecond)

	reacquired, err := l.tryAcquire()
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !reacquired {
		t.Error("expected stale lock to be reclaimed")
	}
}

func TestFileLock_HeldLockBlocksSecondAcquire(t *testing.T) {
	dir := t.TempDir()
	l := newFileLock(filepath.Join(dir, "lock"), time.Hour)

	acquired, err := l.tryAcquire()
	if err != nil || !acquired {
		t.Fatalf("first acquire failed: acquired=%v err=%v", acquired, err)
	}

	blocked, err := l.tryAcquire()
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if blocked {
		t.Error("expected second acquire to be blocked by a live lock")
	}
}
