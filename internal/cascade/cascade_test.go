package cascade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/radarcore/termind/internal/llm"
)

type fakeClient struct {
	reply string
	err   error
	calls int
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Message: llm.Message{Content: f.reply}}, nil
}

func (f *fakeClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, tools)
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func TestCascade_PrimarySucceeds(t *testing.T) {
	primary := &fakeClient{reply: `{"actions":[{"action":"create","title":"Training"}]}`}
	fallback := &fakeClient{reply: `{"actions":[]}`}

	c := New([]Provider{
		{Name: "primary", Client: primary, Timeout: time.Second},
		{Name: "fallback", Client: fallback, Timeout: time.Second},
	}, nil)

	resp := c.Extract(context.Background(), "sys", "user")
	if len(resp.Actions) != 1 || resp.Actions[0].Title != "Training" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback should not be called when primary succeeds, got %d calls", fallback.calls)
	}
}

func TestCascade_AdvancesOnError(t *testing.T) {
	primary := &fakeClient{err: errors.New("timeout")}
	fallback := &fakeClient{reply: `{"actions":[{"action":"create","title":"Schwimmen"}]}`}

	c := New([]Provider{
		{Name: "primary", Client: primary, Timeout: time.Second},
		{Name: "fallback", Client: fallback, Timeout: time.Second},
	}, nil)

	resp := c.Extract(context.Background(), "sys", "user")
	if len(resp.Actions) != 1 || resp.Actions[0].Title != "Schwimmen" {
		t.Fatalf("expected fallback result, got %+v", resp)
	}
}

func TestCascade_AllFailReturnsEmpty(t *testing.T) {
	primary := &fakeClient{err: errors.New("boom")}
	fallback := &fakeClient{err: errors.New("boom too")}

	c := New([]Provider{
		{Name: "primary", Client: primary},
		{Name: "fallback", Client: fallback},
	}, nil)

	resp := c.Extract(context.Background(), "sys", "user")
	if len(resp.Actions) != 0 {
		t.Fatalf("expected empty response, got %+v", resp)
	}
}

func TestParseResponse_FencedBlock(t *testing.T) {
	raw := "Here you go:\n```json\n{\"actions\": [{\"action\": \"create\", \"title\": \"Arzttermin\"}]}\n```"
	resp, ok := parseResponse(raw)
	if !ok || len(resp.Actions) != 1 {
		t.Fatalf("expected one parsed action, got ok=%v resp=%+v", ok, resp)
	}
}

func TestParseResponse_NaturalLanguageFallback(t *testing.T) {
	raw := "Ich denke es gibt einen Termin am 18.02. um 13:45 fuer das Training."
	resp, ok := parseResponse(raw)
	if !ok || len(resp.Actions) != 1 {
		t.Fatalf("expected fallback synthesis, got ok=%v resp=%+v", ok, resp)
	}
	if resp.Actions[0].Confidence > 0.4 {
		t.Errorf("fallback confidence = %v, want <= 0.4", resp.Actions[0].Confidence)
	}
}

func TestCascade_RateLimitAdvancesOnExhaustion(t *testing.T) {
	primary := &fakeClient{reply: `{"actions":[{"action":"create","title":"Training"}]}`}
	fallback := &fakeClient{reply: `{"actions":[{"action":"create","title":"Schwimmen"}]}`}

	c := New([]Provider{
		{Name: "primary", Client: primary, Timeout: 10 * time.Millisecond, RatePerSecond: 0.001, RateBurst: 1},
		{Name: "fallback", Client: fallback, Timeout: time.Second},
	}, nil)

	// First call consumes the single burst token immediately.
	resp := c.Extract(context.Background(), "sys", "user")
	if len(resp.Actions) != 1 || resp.Actions[0].Title != "Training" {
		t.Fatalf("expected first call to pass through, got %+v", resp)
	}

	// Second call's primary provider has no tokens left and a timeout
	// far shorter than the refill interval, so it must advance.
	resp = c.Extract(context.Background(), "sys", "user")
	if len(resp.Actions) != 1 || resp.Actions[0].Title != "Schwimmen" {
		t.Fatalf("expected rate-exhausted primary to advance to fallback, got %+v", resp)
	}
}

func TestParseResponse_BalancedObjectStopsAtFirstCompleteObject(t *testing.T) {
	raw := `{"actions":[{"action":"create","title":"Training"}]} Additional notes: {"ignore":"me"}`
	resp, ok := parseResponse(raw)
	if !ok || len(resp.Actions) != 1 || resp.Actions[0].Title != "Training" {
		t.Fatalf("expected only the first object to be parsed, got ok=%v resp=%+v", ok, resp)
	}
}

func TestParseResponse_FencedBlockWithLeadingBraceInProse(t *testing.T) {
	raw := "Notes: {not json} here's the result:\n```json\n{\"actions\": [{\"action\": \"create\", \"title\": \"Arzttermin\"}]}\n```"
	resp, ok := parseResponse(raw)
	if !ok || len(resp.Actions) != 1 || resp.Actions[0].Title != "Arzttermin" {
		t.Fatalf("expected fenced block to still parse despite a leading unbalanced brace, got ok=%v resp=%+v", ok, resp)
	}
}

func TestParseResponse_NoSignalFails(t *testing.T) {
	_, ok := parseResponse("Ich weiss nicht, was du meinst.")
	if ok {
		t.Error("expected parse failure for content with no date/event signal")
	}
}
