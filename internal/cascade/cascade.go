// Package cascade implements the LLM provider cascade described in
// spec §4.3: an ordered list of providers, each invoked with its own
// timeout, advancing to the next on timeout, network error, 5xx, or an
// unparseable response. The cascade never raises to its caller — a
// failure of every provider yields an empty action list, matching the
// "never raise, log and continue" contract grounded on the teacher's
// memory.Extractor.Extract.
package cascade

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/radarcore/termind/internal/llm"
)

// AppointmentAction is the LLM's raw, pre-validation view of one
// appointment create/update/cancel (spec §3 AppointmentAction).
type AppointmentAction struct {
	Action          string   `json:"action"`
	UpdatesTerminID string   `json:"updates_termin_id,omitempty"`
	Title           string   `json:"title"`
	DateTime        string   `json:"datetime,omitempty"`
	EndDateTime     string   `json:"end_datetime,omitempty"`
	Date            string   `json:"date,omitempty"`
	AllDay          bool     `json:"all_day,omitempty"`
	Participants    []string `json:"participants,omitempty"`
	Category        string   `json:"category,omitempty"`
	Relevance       string   `json:"relevance,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
}

// Response is the strict JSON contract an extraction call must return.
type Response struct {
	Actions   []AppointmentAction `json:"actions"`
	Reasoning string               `json:"reasoning,omitempty"`
}

// Provider is one cascade entry: a model identifier paired with an
// underlying llm.Client and its own timeout. RatePerSecond and
// RateBurst configure this provider's token bucket (spec §5's "global
// token bucket per provider"); zero RatePerSecond disables limiting.
type Provider struct {
	Name          string
	Model         string
	Client        llm.Client
	Timeout       time.Duration
	RatePerSecond float64
	RateBurst     int
}

// Cascade holds an ordered provider list, each gated by its own
// golang.org/x/time/rate token bucket.
type Cascade struct {
	providers []Provider
	limiters  []*rate.Limiter
	logger    *slog.Logger
}

// New creates a Cascade over providers, tried in order.
func New(providers []Provider, logger *slog.Logger) *Cascade {
	if logger == nil {
		logger = slog.Default()
	}
	limiters := make([]*rate.Limiter, len(providers))
	for i, p := range providers {
		if p.RatePerSecond <= 0 {
			limiters[i] = rate.NewLimiter(rate.Inf, 0)
			continue
		}
		burst := p.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiters[i] = rate.NewLimiter(rate.Limit(p.RatePerSecond), burst)
	}
	return &Cascade{providers: providers, limiters: limiters, logger: logger.With("component", "llm_cascade")}
}

// Extract sends the system and user prompt to each provider in turn,
// returning the first successfully parsed Response. Returns an empty
// Response (not an error) if every provider fails — this is the
// expected outcome for "no appointment found" as well as for total
// provider failure; callers cannot and should not distinguish them.
func (c *Cascade) Extract(ctx context.Context, systemPrompt, userPrompt string) Response {
	for i, p := range c.providers {
		resp, ok := c.tryProvider(ctx, p, c.limiters[i], systemPrompt, userPrompt)
		if ok {
			return resp
		}
	}
	c.logger.Warn("all llm providers failed or returned unparseable output")
	return Response{}
}

func (c *Cascade) tryProvider(ctx context.Context, p Provider, limiter *rate.Limiter, systemPrompt, userPrompt string) (Response, bool) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Yield to the provider's rate budget before issuing the call;
	// exhaustion within the call's own timeout behaves like any other
	// cascade-advancing failure (spec §5).
	if err := limiter.Wait(callCtx); err != nil {
		c.logger.Warn("provider rate limit wait failed, advancing cascade", "provider", p.Name, "error", err)
		return Response{}, false
	}

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	result, err := p.Client.Chat(callCtx, p.Model, messages, nil)
	if err != nil {
		c.logger.Warn("provider call failed, advancing cascade", "provider", p.Name, "error", err)
		return Response{}, false
	}
	if result == nil {
		return Response{}, false
	}

	resp, ok := parseResponse(result.Message.Content)
	if !ok {
		c.logger.Warn("provider response unparseable, advancing cascade", "provider", p.Name)
		return Response{}, false
	}
	return resp, true
}

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseResponse applies the resilient parsing strategies from spec
// §4.3, in order: whole-body JSON, first balanced object, first fenced
// block, then a natural-language fallback that synthesizes a single
// low-confidence action from date/time/event-noun regex hits.
func parseResponse(raw string) (Response, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Response{}, false
	}

	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err == nil {
		return resp, true
	}

	if obj, ok := firstBalancedObject(raw); ok {
		if err := json.Unmarshal([]byte(obj), &resp); err == nil {
			return resp, true
		}
	}

	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &resp); err == nil {
			return resp, true
		}
	}

	return naturalLanguageFallback(raw)
}

// firstBalancedObject scans raw for the first top-level `{...}` object
// by tracking brace depth (ignoring braces inside quoted strings), so
// a response like `{"actions":[...]} Additional notes: {"ignore":"me"}`
// yields only the first object instead of a greedy match spanning both.
func firstBalancedObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

var eventNoun = regexp.MustCompile(`(?i)\b(termin|training|schule|hort|geburtstag|feier|wettkampf|turnier|arzttermin)\b`)
var timeHit = regexp.MustCompile(`\b\d{1,2}:\d{2}\b`)
var dateHit = regexp.MustCompile(`\b\d{1,2}[.\s]\d{1,2}[.\s]?(\d{2,4})?\b`)

// naturalLanguageFallback synthesizes a single capped-confidence
// action when the model's response contains neither valid JSON nor an
// "actions" key, but plausibly describes an appointment in prose.
func naturalLanguageFallback(raw string) (Response, bool) {
	hasEventNoun := eventNoun.MatchString(raw)
	dt := timeHit.FindString(raw)
	d := dateHit.FindString(raw)

	if !hasEventNoun || (dt == "" && d == "") {
		return Response{}, false
	}

	action := AppointmentAction{
		Action:     "create",
		Title:      "Termin (aus Freitext erkannt)",
		Confidence: 0.4,
	}
	if dt != "" {
		action.DateTime = dt
	}
	if d != "" {
		action.Date = d
		action.AllDay = dt == ""
	}

	return Response{Actions: []AppointmentAction{action}, Reasoning: "natural-language fallback parse"}, true
}
